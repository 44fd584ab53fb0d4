package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

// ErrFrozen is returned when registering into a builder that has already
// produced its catalog.
var ErrFrozen = errors.New("catalog: builder already built")

// Catalog is the read-only set of report definitions. It is built once at
// process start and safe for concurrent readers.
type Catalog struct {
	retailers map[string]*Retailer
	defs      map[string]*Definition
}

// Lookup returns the definition for retailer/reportType, matched case
// insensitively, or an UnknownReportTypeError.
func (c *Catalog) Lookup(retailer, reportType string) (*Definition, error) {
	d, ok := c.defs[catalogKey(retailer, reportType)]
	if !ok {
		return nil, domain.NewUnknownReportTypeError(retailer, reportType)
	}
	return d, nil
}

// Retailer returns a retailer profile by name.
func (c *Catalog) Retailer(name string) (*Retailer, bool) {
	r, ok := c.retailers[strings.ToLower(name)]
	return r, ok
}

// Definitions lists every definition sorted by retailer then report type.
func (c *Catalog) Definitions() []*Definition {
	out := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Builder collects retailers and definitions during startup. After Build
// the builder rejects further registrations.
type Builder struct {
	mu        sync.Mutex
	retailers map[string]*Retailer
	defs      map[string]*Definition
	built     bool
}

func NewBuilder() *Builder {
	return &Builder{
		retailers: make(map[string]*Retailer),
		defs:      make(map[string]*Definition),
	}
}

// RegisterRetailer adds or replaces a retailer profile.
func (b *Builder) RegisterRetailer(name string, r Retailer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return ErrFrozen
	}
	r.Name = strings.ToLower(name)
	r.applyDefaults()
	if err := r.validate(); err != nil {
		return err
	}
	b.retailers[r.Name] = &r
	return nil
}

// Register validates and adds a report definition. Registering the same
// retailer/report type twice is an error.
func (b *Builder) Register(d Definition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return ErrFrozen
	}
	d.Retailer = strings.ToLower(d.Retailer)
	d.applyDefaults()
	if err := d.validate(); err != nil {
		return err
	}
	if _, dup := b.defs[d.key()]; dup {
		return fmt.Errorf("report %s/%s registered twice", d.Retailer, d.ReportType)
	}
	b.defs[d.key()] = &d
	return nil
}

// Build links every definition to its retailer profile and freezes the
// builder.
func (b *Builder) Build() (*Catalog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return nil, ErrFrozen
	}

	var errs []error
	for _, d := range b.defs {
		r, ok := b.retailers[d.Retailer]
		if !ok {
			errs = append(errs, fmt.Errorf("report %s/%s: retailer %q is not configured", d.Retailer, d.ReportType, d.Retailer))
			continue
		}
		d.Profile = r
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	b.built = true
	return &Catalog{retailers: b.retailers, defs: b.defs}, nil
}

// document is the on-disk catalog layout.
type document struct {
	Retailers map[string]Retailer `yaml:"retailers"`
	Reports   []Definition        `yaml:"reports"`
}

// Load reads and builds a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	b := NewBuilder()
	var errs []error
	for name, r := range doc.Retailers {
		if err := b.RegisterRetailer(name, r); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range doc.Reports {
		if err := b.Register(d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return b.Build()
}
