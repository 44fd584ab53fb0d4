// Package credentials holds the per-retailer OAuth2 client registrations.
package credentials

import (
	"sort"
	"strings"

	"github.com/ignite/ecomm-report-extractor/internal/config"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

// Store is an immutable set of credentials keyed by retailer. Safe for
// concurrent use.
type Store struct {
	creds map[string]domain.Credential
}

// NewStore copies creds into a new store. Retailer names are matched case
// insensitively.
func NewStore(creds ...domain.Credential) *Store {
	s := &Store{creds: make(map[string]domain.Credential, len(creds))}
	for _, c := range creds {
		key := strings.ToLower(c.Retailer)
		c.Retailer = key
		s.creds[key] = c
	}
	return s
}

// FromConfig builds a store from the credentials config section.
func FromConfig(cfg map[string]config.CredentialConfig) *Store {
	creds := make([]domain.Credential, 0, len(cfg))
	for retailer, c := range cfg {
		creds = append(creds, domain.Credential{
			Retailer:           retailer,
			ClientID:           c.ClientID,
			ClientSecret:       c.ClientSecret,
			RefreshToken:       c.RefreshToken,
			Region:             c.Region,
			MarketplaceID:      c.MarketplaceID,
			AWSAccessKeyID:     c.AWSAccessKeyID,
			AWSSecretAccessKey: c.AWSSecretAccessKey,
		})
	}
	return NewStore(creds...)
}

// Get returns the credential for retailer, or an AuthError when none is
// registered or the registration has no client id.
func (s *Store) Get(retailer string) (domain.Credential, error) {
	c, ok := s.creds[strings.ToLower(retailer)]
	if !ok {
		e := domain.NewAuthError(retailer, "missing_credentials", nil)
		e.Message = "no credentials configured"
		return domain.Credential{}, e
	}
	if c.ClientID == "" {
		e := domain.NewAuthError(retailer, "missing_client_id", nil)
		e.Message = "credentials have no client id"
		return domain.Credential{}, e
	}
	return c, nil
}

// With returns a new store with c added or replaced. The receiver is left
// untouched.
func (s *Store) With(c domain.Credential) *Store {
	all := make([]domain.Credential, 0, len(s.creds)+1)
	for _, existing := range s.creds {
		all = append(all, existing)
	}
	all = append(all, c)
	return NewStore(all...)
}

// Retailers lists the configured retailer names, sorted.
func (s *Store) Retailers() []string {
	out := make([]string, 0, len(s.creds))
	for r := range s.creds {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
