// Package catalog holds the static report catalog: retailer profiles (token
// endpoint, headers, pacing) and report type definitions (endpoint
// templates, status vocabulary, artifact layout, canonical schema).
// Adding a retailer is a new catalog entry, not new code.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultMaxPollAttempts = 15
	DefaultMaxRangeDays    = 10
)

// GrantType is the OAuth2 exchange used to mint access tokens.
type GrantType string

const (
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// Compression of a downloaded artifact.
type Compression string

const (
	CompressionAuto Compression = "auto"
	CompressionGzip Compression = "gzip"
	CompressionNone Compression = "none"
)

// Retailer is the per-retailer profile shared by all of its report types.
type Retailer struct {
	Name      string    `yaml:"-" json:"name"`
	TokenURL  string    `yaml:"token_url" json:"token_url"`
	GrantType GrantType `yaml:"grant_type" json:"grant_type"`
	Scopes    []string  `yaml:"scopes" json:"scopes,omitempty"`
	// TokenHeader and TokenPrefix control how the access token is attached.
	// Defaults: "Authorization" and "Bearer". An explicit empty prefix sends
	// the raw token.
	TokenHeader string  `yaml:"token_header" json:"token_header"`
	TokenPrefix *string `yaml:"token_prefix" json:"token_prefix,omitempty"`
	// Headers are templates added to every request, e.g. a client id header.
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	// ScopedHeaders are added once the scope lookup has run, so they may
	// reference the resolved scope parameter.
	ScopedHeaders     map[string]string `yaml:"scoped_headers" json:"scoped_headers,omitempty"`
	RequestsPerSecond float64           `yaml:"requests_per_second" json:"requests_per_second,omitempty"`
	Burst             int               `yaml:"burst" json:"burst,omitempty"`
	ScopeLookup       *ScopeLookup      `yaml:"scope_lookup" json:"scope_lookup,omitempty"`
	Signing           *Signing          `yaml:"signing" json:"signing,omitempty"`
}

// AuthorizationValue renders the token header value for accessToken.
func (r *Retailer) AuthorizationValue(accessToken string) string {
	prefix := "Bearer"
	if r.TokenPrefix != nil {
		prefix = *r.TokenPrefix
	}
	if prefix == "" {
		return accessToken
	}
	return prefix + " " + accessToken
}

// ScopeLookup resolves an account scope (e.g. an advertising profile id)
// from a listing endpoint before a report is submitted.
type ScopeLookup struct {
	URL string `yaml:"url" json:"url"`
	// Param is the parameter name the selected value is stored under.
	Param string `yaml:"param" json:"param"`
	// ItemsPath locates the array of candidates; empty means the body is
	// the array.
	ItemsPath string `yaml:"items_path" json:"items_path,omitempty"`
	// Match maps a JSON path inside a candidate to a required value
	// template, e.g. countryCode: "{country_code}".
	Match map[string]string `yaml:"match" json:"match"`
	// ValuePath selects the value from the matching candidate.
	ValuePath string `yaml:"value_path" json:"value_path"`
	// CountryAliases rewrites country_code before matching, e.g. GB: UK.
	CountryAliases map[string]string `yaml:"country_aliases" json:"country_aliases,omitempty"`
}

// Signing configures request signing on top of the bearer token.
type Signing struct {
	Type    string `yaml:"type" json:"type"` // only "sigv4"
	Service string `yaml:"service" json:"service"`
	Region  string `yaml:"region" json:"region"`
}

// Endpoint is a templated HTTP call.
type Endpoint struct {
	Method string `yaml:"method" json:"method"`
	URL    string `yaml:"url" json:"url"`
	Body   string `yaml:"body" json:"body,omitempty"`
}

// SubmitSpec describes the report creation call.
type SubmitSpec struct {
	Endpoint `yaml:",inline"`
	// JobIDPath extracts the remote job id from the response.
	JobIDPath string `yaml:"job_id_path" json:"job_id_path,omitempty"`
	// LocationsPath extracts result locations from a synchronous response.
	LocationsPath string `yaml:"locations_path" json:"locations_path,omitempty"`
}

// StatusSpec describes the job status call.
type StatusSpec struct {
	Endpoint          `yaml:",inline"`
	StatusPath        string `yaml:"status_path" json:"status_path"`
	LocationPath      string `yaml:"location_path" json:"location_path,omitempty"`
	FailureReasonPath string `yaml:"failure_reason_path" json:"failure_reason_path,omitempty"`
	// Capture copies values from a successful status response into the
	// job's parameters (param name -> JSON path) for the resolve call.
	Capture map[string]string `yaml:"capture" json:"capture,omitempty"`
}

// ResolveSpec describes an extra call that turns a finished job into
// download URLs.
type ResolveSpec struct {
	Endpoint      `yaml:",inline"`
	LocationsPath string `yaml:"locations_path" json:"locations_path"`
}

// DownloadSpec describes how artifacts are fetched.
type DownloadSpec struct {
	Resolve *ResolveSpec `yaml:"resolve" json:"resolve,omitempty"`
	// Authenticated sends the retailer token with artifact requests.
	// Pre-signed URLs must not carry it.
	Authenticated bool  `yaml:"authenticated" json:"authenticated,omitempty"`
	MaxBytes      int64 `yaml:"max_bytes" json:"max_bytes,omitempty"`
}

// ArtifactSpec describes the downloaded file layout.
type ArtifactSpec struct {
	Format      domain.ArtifactFormat `yaml:"format" json:"format"`
	Compression Compression           `yaml:"compression" json:"compression"`
	// RecordsPath locates the record array inside a JSON artifact.
	RecordsPath    string `yaml:"records_path" json:"records_path,omitempty"`
	Delimiter      string `yaml:"delimiter" json:"delimiter,omitempty"`
	SkipHeaderRows int    `yaml:"skip_header_rows" json:"skip_header_rows,omitempty"`
	SkipFooterRows int    `yaml:"skip_footer_rows" json:"skip_footer_rows,omitempty"`
	// StrictColumns rejects source columns that the schema does not name.
	StrictColumns bool `yaml:"strict_columns" json:"strict_columns,omitempty"`
}

// FieldSpec maps one source field to a canonical column.
type FieldSpec struct {
	Name     string           `yaml:"name" json:"name"`
	Source   string           `yaml:"source" json:"source"`
	Type     domain.FieldType `yaml:"type" json:"type"`
	Format   string           `yaml:"format" json:"format,omitempty"`
	Optional bool             `yaml:"optional" json:"optional,omitempty"`
}

// Definition is one report type. Definitions handed out by a Catalog are
// shared and must be treated as read-only.
type Definition struct {
	Retailer        string                      `yaml:"retailer" json:"retailer"`
	ReportType      string                      `yaml:"report_type" json:"report_type"`
	Description     string                      `yaml:"description" json:"description,omitempty"`
	RequiredParams  []string                    `yaml:"required_params" json:"required_params"`
	Headers         map[string]string           `yaml:"headers" json:"headers,omitempty"`
	Submit          SubmitSpec                  `yaml:"submit" json:"submit"`
	Status          *StatusSpec                 `yaml:"status" json:"status,omitempty"`
	Download        DownloadSpec                `yaml:"download" json:"download"`
	PollInterval    time.Duration               `yaml:"poll_interval" json:"poll_interval"`
	MaxPollAttempts int                         `yaml:"max_poll_attempts" json:"max_poll_attempts"`
	StatusMap       map[string]domain.JobStatus `yaml:"status_map" json:"status_map,omitempty"`
	Artifact        ArtifactSpec                `yaml:"artifact" json:"artifact"`
	Schema          []FieldSpec                 `yaml:"schema" json:"schema"`
	MaxRangeDays    int                         `yaml:"max_range_days" json:"max_range_days"`
	SnowflakeTable  string                      `yaml:"snowflake_table" json:"snowflake_table,omitempty"`

	Profile *Retailer `yaml:"-" json:"-"`
}

// Synchronous reports whether the submit response already carries the
// result locations.
func (d *Definition) Synchronous() bool {
	return d.Status == nil
}

// MapStatus translates a remote status string to the canonical enum. Keys
// match case-insensitively.
func (d *Definition) MapStatus(remote string) (domain.JobStatus, bool) {
	if s, ok := d.StatusMap[remote]; ok {
		return s, true
	}
	s, ok := d.StatusMap[strings.ToUpper(strings.TrimSpace(remote))]
	return s, ok
}

// MissingParams returns the required parameter names absent or blank in
// params, sorted.
func (d *Definition) MissingParams(params map[string]string) []string {
	var missing []string
	for _, p := range d.RequiredParams {
		if strings.TrimSpace(params[p]) == "" {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)
	return missing
}

// Fields returns the canonical columns in declared order.
func (d *Definition) Fields() []domain.Field {
	out := make([]domain.Field, len(d.Schema))
	for i, f := range d.Schema {
		out[i] = domain.Field{Name: f.Name, Type: f.Type}
	}
	return out
}

func (d *Definition) key() string {
	return catalogKey(d.Retailer, d.ReportType)
}

func catalogKey(retailer, reportType string) string {
	return strings.ToLower(retailer) + "/" + strings.ToLower(reportType)
}

func (d *Definition) applyDefaults() {
	if d.PollInterval <= 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.MaxPollAttempts <= 0 {
		d.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if d.MaxRangeDays <= 0 {
		d.MaxRangeDays = DefaultMaxRangeDays
	}
	if d.Submit.Method == "" {
		if d.Submit.Body != "" {
			d.Submit.Method = "POST"
		} else {
			d.Submit.Method = "GET"
		}
	}
	d.Submit.Method = strings.ToUpper(d.Submit.Method)
	if d.Status != nil && d.Status.Method == "" {
		d.Status.Method = "GET"
	}
	if r := d.Download.Resolve; r != nil && r.Method == "" {
		r.Method = "GET"
	}
	if d.Artifact.Compression == "" {
		d.Artifact.Compression = CompressionAuto
	}
	if d.Artifact.Format == "" {
		d.Artifact.Format = domain.FormatCSV
	}
	for i := range d.Schema {
		if d.Schema[i].Source == "" {
			d.Schema[i].Source = d.Schema[i].Name
		}
		if d.Schema[i].Type == "" {
			d.Schema[i].Type = domain.TypeString
		}
	}
	if len(d.StatusMap) > 0 {
		norm := make(map[string]domain.JobStatus, len(d.StatusMap))
		for k, v := range d.StatusMap {
			norm[strings.ToUpper(strings.TrimSpace(k))] = domain.JobStatus(strings.ToUpper(string(v)))
		}
		d.StatusMap = norm
	}
}

func (d *Definition) validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if d.Retailer == "" {
		add("retailer is required")
	}
	if d.ReportType == "" {
		add("report_type is required")
	}
	if d.Submit.URL == "" {
		add("submit.url is required")
	}
	if d.Synchronous() {
		if d.Submit.LocationsPath == "" {
			add("submit.locations_path is required when no status endpoint is configured")
		}
	} else {
		if d.Submit.JobIDPath == "" {
			add("submit.job_id_path is required")
		}
		if d.Status.URL == "" {
			add("status.url is required")
		}
		if d.Status.StatusPath == "" {
			add("status.status_path is required")
		}
		if len(d.StatusMap) == 0 {
			add("status_map is required")
		}
		hasSuccess := false
		for remote, s := range d.StatusMap {
			if !s.Valid() {
				add("status_map[%s]: %q is not a canonical status", remote, s)
			}
			if s == domain.JobSucceeded {
				hasSuccess = true
			}
		}
		if len(d.StatusMap) > 0 && !hasSuccess {
			add("status_map has no entry mapping to SUCCEEDED")
		}
		if d.Download.Resolve == nil && d.Status.LocationPath == "" {
			add("status.location_path or download.resolve is required")
		}
	}
	if r := d.Download.Resolve; r != nil {
		if r.URL == "" || r.LocationsPath == "" {
			add("download.resolve needs url and locations_path")
		}
	}
	switch d.Artifact.Format {
	case domain.FormatCSV, domain.FormatJSON:
	default:
		add("artifact.format %q is not supported", d.Artifact.Format)
	}
	switch d.Artifact.Compression {
	case CompressionAuto, CompressionGzip, CompressionNone:
	default:
		add("artifact.compression %q is not supported", d.Artifact.Compression)
	}
	if len(d.Artifact.Delimiter) > 1 {
		add("artifact.delimiter must be a single character")
	}
	if len(d.Schema) == 0 {
		add("schema must declare at least one field")
	}
	seen := map[string]bool{}
	for _, f := range d.Schema {
		if f.Name == "" {
			add("schema field without a name")
			continue
		}
		if seen[f.Name] {
			add("schema field %q declared twice", f.Name)
		}
		seen[f.Name] = true
		if !validFieldType(f.Type) {
			add("schema field %q has unknown type %q", f.Name, f.Type)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("report %s/%s: %s", d.Retailer, d.ReportType, strings.Join(problems, "; "))
	}
	return nil
}

func validFieldType(t domain.FieldType) bool {
	switch t {
	case domain.TypeString, domain.TypeInt, domain.TypeFloat, domain.TypeDecimal,
		domain.TypeDate, domain.TypeDateTime, domain.TypeBool:
		return true
	}
	return false
}

func (r *Retailer) applyDefaults() {
	if r.GrantType == "" {
		r.GrantType = GrantRefreshToken
	}
	if r.TokenHeader == "" {
		r.TokenHeader = "Authorization"
	}
	if r.Burst <= 0 {
		r.Burst = 1
	}
	if s := r.ScopeLookup; s != nil && s.Param == "" {
		s.Param = "profile_id"
	}
}

func (r *Retailer) validate() error {
	var problems []string
	if r.TokenURL == "" {
		problems = append(problems, "token_url is required")
	}
	switch r.GrantType {
	case GrantRefreshToken, GrantClientCredentials:
	default:
		problems = append(problems, fmt.Sprintf("grant_type %q is not supported", r.GrantType))
	}
	if s := r.ScopeLookup; s != nil && (s.URL == "" || s.ValuePath == "") {
		problems = append(problems, "scope_lookup needs url and value_path")
	}
	if s := r.Signing; s != nil && (!strings.EqualFold(s.Type, "sigv4") || s.Service == "") {
		problems = append(problems, "signing supports type sigv4 with a service name")
	}
	if len(problems) > 0 {
		return fmt.Errorf("retailer %s: %s", r.Name, strings.Join(problems, "; "))
	}
	return nil
}
