package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/httpretry"
)

// defaultTokenTTL applies when the token endpoint omits expires_in.
const defaultTokenTTL = time.Hour

// OAuth2Exchanger exchanges credentials at the retailer's token endpoint
// using golang.org/x/oauth2. Refresh token grants send the client secret in
// the form body; client credentials grants use HTTP basic auth.
type OAuth2Exchanger struct {
	client *http.Client
	now    func() time.Time
}

// NewOAuth2Exchanger uses client for token requests; nil means a client
// with a 30s timeout.
func NewOAuth2Exchanger(client *http.Client) *OAuth2Exchanger {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth2Exchanger{client: client, now: time.Now}
}

func (e *OAuth2Exchanger) Exchange(ctx context.Context, profile *catalog.Retailer, cred domain.Credential) (domain.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	var src oauth2.TokenSource
	switch profile.GrantType {
	case catalog.GrantClientCredentials:
		cc := &clientcredentials.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			TokenURL:     profile.TokenURL,
			Scopes:       profile.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		src = cc.TokenSource(ctx)
	default:
		if cred.RefreshToken == "" {
			ae := domain.NewAuthError(profile.Name, "missing_refresh_token", nil)
			ae.Message = "credentials have no refresh token"
			return domain.Token{}, ae
		}
		conf := &oauth2.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			Scopes:       profile.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  profile.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		src = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	}

	t, err := src.Token()
	if err != nil {
		return domain.Token{}, classifyTokenError(profile.Name, err, e.now())
	}

	expiry := t.Expiry
	if expiry.IsZero() {
		expiry = e.now().Add(defaultTokenTTL)
	}
	return domain.Token{
		AccessToken: t.AccessToken,
		TokenType:   t.Type(),
		Expiry:      expiry,
		Retailer:    profile.Name,
		Scope:       strings.Join(profile.Scopes, " "),
	}, nil
}

// classifyTokenError maps token endpoint failures. A rejected exchange is
// an AuthError carrying the provider's error code; an unreachable or
// failing endpoint is transient.
func classifyTokenError(retailer string, err error, now time.Time) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		code := re.ErrorCode
		if code == "" && status != 0 {
			code = strconv.Itoa(status)
		}
		switch {
		case status == http.StatusTooManyRequests:
			e := &domain.Error{Kind: domain.KindRateLimited, Message: "token endpoint rate limited", Retailer: retailer, Code: code, StatusCode: status, Err: err}
			e.RetryAfter = httpretry.ParseRetryAfter(re.Response.Header.Get("Retry-After"), now)
			return e
		case status >= 500:
			return &domain.Error{Kind: domain.KindTransient, Message: "token endpoint unavailable", Retailer: retailer, Code: code, StatusCode: status, Err: err}
		}
		ae := domain.NewAuthError(retailer, code, err)
		ae.StatusCode = status
		return ae
	}
	return &domain.Error{Kind: domain.KindTransient, Message: "token request failed", Retailer: retailer, Err: err}
}
