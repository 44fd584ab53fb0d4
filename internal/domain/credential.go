package domain

import "time"

// Credential is one retailer's OAuth2 client registration. Immutable once
// handed out by the credential store.
type Credential struct {
	Retailer      string `json:"retailer"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"-"`
	RefreshToken  string `json:"-"`
	Region        string `json:"region,omitempty"`
	MarketplaceID string `json:"marketplace_id,omitempty"`

	AWSAccessKeyID     string `json:"-"`
	AWSSecretAccessKey string `json:"-"`
}

// TemplateParams exposes the non-secret credential fields that endpoint and
// header templates may reference.
func (c Credential) TemplateParams() map[string]string {
	out := map[string]string{"client_id": c.ClientID}
	if c.Region != "" {
		out["region"] = c.Region
	}
	if c.MarketplaceID != "" {
		out["marketplace_id"] = c.MarketplaceID
	}
	return out
}

// Token is a short-lived access token for one retailer.
type Token struct {
	AccessToken string    `json:"-"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
	Retailer    string    `json:"retailer"`
	Scope       string    `json:"scope,omitempty"`
}

// ValidAt reports whether the token can still be used at now, leaving margin
// before expiry.
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && t.Expiry.After(now.Add(margin))
}
