// Package engine drives report extractions: submit a report request, poll
// the job until it finishes, download the artifact and hand it to the
// normalizer. Every retailer goes through the same state machine; the
// differences live in the catalog.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/httpretry"
)

const maxAPIResponseBytes = 16 << 20

// CredentialSource returns a retailer's client registration.
type CredentialSource interface {
	Get(retailer string) (domain.Credential, error)
}

// AWSCredentialsFunc resolves the AWS keys used for SigV4 signing.
type AWSCredentialsFunc func(ctx context.Context, cred domain.Credential) (aws.Credentials, error)

// Client issues templated requests against retailer APIs and maps HTTP
// outcomes onto the error taxonomy. It never retries.
type Client struct {
	doer     httpretry.HTTPDoer
	creds    CredentialSource
	now      func() time.Time
	signer   *v4.Signer
	awsCreds AWSCredentialsFunc

	// maxResponse caps submit, status and resolve bodies.
	maxResponse int64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAWSCredentials overrides how SigV4 keys are resolved.
func WithAWSCredentials(fn AWSCredentialsFunc) ClientOption {
	return func(c *Client) { c.awsCreds = fn }
}

// WithClientClock overrides time.Now.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Client. creds supplies credential template values and
// signing keys.
func NewClient(doer httpretry.HTTPDoer, creds CredentialSource, opts ...ClientOption) *Client {
	c := &Client{
		doer:        doer,
		creds:       creds,
		now:         time.Now,
		signer:      v4.NewSigner(),
		limiters:    make(map[string]*rate.Limiter),
		maxResponse: maxAPIResponseBytes,
	}
	c.awsCreds = defaultAWSCredentials()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request is one templated call.
type request struct {
	def      *catalog.Definition
	profile  *catalog.Retailer
	endpoint catalog.Endpoint
	token    domain.Token
	vars     map[string]string
	// scoped adds the retailer's scoped headers.
	scoped bool
}

// do sends req and returns the response body of a 2xx response.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	cred, err := c.creds.Get(req.profile.Name)
	if err != nil {
		return nil, err
	}
	vars := c.templateVars(cred, req.vars)

	target, err := catalog.ExpandURL(req.endpoint.URL, vars)
	if err != nil {
		return nil, err
	}
	var body []byte
	if req.endpoint.Body != "" {
		expanded, err := catalog.ExpandJSON(req.endpoint.Body, vars)
		if err != nil {
			return nil, err
		}
		body = []byte(expanded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.endpoint.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewInvalidParametersError(nil, "build request: %v", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	headerSets := []map[string]string{req.profile.Headers}
	if req.scoped {
		headerSets = append(headerSets, req.profile.ScopedHeaders)
	}
	if req.def != nil {
		headerSets = append(headerSets, req.def.Headers)
	}
	for _, set := range headerSets {
		for name, tmpl := range set {
			v, err := catalog.Expand(tmpl, vars)
			if err != nil {
				return nil, err
			}
			httpReq.Header.Set(name, v)
		}
	}
	httpReq.Header.Set(req.profile.TokenHeader, req.profile.AuthorizationValue(req.token.AccessToken))

	if s := req.profile.Signing; s != nil {
		if err := c.sign(ctx, httpReq, body, s, cred, vars); err != nil {
			return nil, err
		}
	}

	data, err := c.send(ctx, req.profile, httpReq, c.maxResponse+1)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxResponse {
		return nil, &domain.Error{
			Kind:     domain.KindCorruptArtifact,
			Retailer: req.profile.Name,
			Message:  fmt.Sprintf("%s %s response exceeds %d bytes", httpReq.Method, redactURL(httpReq.URL.String()), c.maxResponse),
		}
	}
	return data, nil
}

// send paces, executes and classifies one request.
func (c *Client) send(ctx context.Context, profile *catalog.Retailer, req *http.Request, limit int64) ([]byte, error) {
	return c.sendWith(ctx, profile, req, limit, nil)
}

// sendWith is send with a hook that sees the successful response before
// its body is read.
func (c *Client) sendWith(ctx context.Context, profile *catalog.Retailer, req *http.Request, limit int64, inspect func(*http.Response)) ([]byte, error) {
	if err := c.limiter(profile).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.Error{Kind: domain.KindTransient, Message: "request pacing", Retailer: profile.Name, Err: err}
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.Error{Kind: domain.KindTransient, Message: req.Method + " " + redactURL(req.URL.String()) + " failed", Retailer: profile.Name, Err: err}
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && inspect != nil {
		inspect(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := domain.KindTransient
		if ok && errors.Is(err, io.ErrUnexpectedEOF) {
			kind = domain.KindCorruptArtifact
		}
		return nil, &domain.Error{Kind: kind, Message: "read response body", Retailer: profile.Name, StatusCode: resp.StatusCode, Err: err}
	}

	if ok {
		return data, nil
	}
	return nil, classifyResponse(profile.Name, req, resp, data, c.now())
}

// classifyResponse maps a non-2xx response onto the taxonomy.
func classifyResponse(retailer string, req *http.Request, resp *http.Response, body []byte, now time.Time) error {
	e := &domain.Error{
		Retailer:   retailer,
		StatusCode: resp.StatusCode,
		Code:       providerCode(body),
		Message:    fmt.Sprintf("%s %s returned %d", req.Method, redactURL(req.URL.String()), resp.StatusCode),
	}
	if detail := providerMessage(body); detail != "" {
		e.Message += ": " + detail
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = domain.KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = domain.KindRateLimited
		e.RetryAfter = httpretry.ParseRetryAfter(resp.Header.Get("Retry-After"), now)
	case resp.StatusCode >= 500:
		e.Kind = domain.KindTransient
	default:
		e.Kind = domain.KindInvalidParameters
	}
	return e
}

// providerCode pulls an error code out of the common error body shapes.
func providerCode(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"code", "error", "errors.0.code", "error.code", "errorCode"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	return ""
}

func providerMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"details", "message", "error_description", "errors.0.message", "error.message"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
				return truncate(r.String(), 300)
			}
		}
		return ""
	}
	return truncate(strings.TrimSpace(string(body)), 300)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// redactURL drops the query string, which for pre-signed URLs is a
// credential.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?..."
	}
	return u
}

func (c *Client) templateVars(cred domain.Credential, params map[string]string) map[string]string {
	vars := cred.TemplateParams()
	maps.Copy(vars, params)
	return vars
}

func (c *Client) limiter(profile *catalog.Retailer) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[profile.Name]
	if !ok {
		limit := rate.Inf
		if profile.RequestsPerSecond > 0 {
			limit = rate.Limit(profile.RequestsPerSecond)
		}
		burst := profile.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		c.limiters[profile.Name] = l
	}
	return l
}

func (c *Client) sign(ctx context.Context, req *http.Request, body []byte, s *catalog.Signing, cred domain.Credential, vars map[string]string) error {
	region, err := catalog.Expand(s.Region, vars)
	if err != nil {
		return err
	}
	if region == "" {
		region = cred.Region
	}
	keys, err := c.awsCreds(ctx, cred)
	if err != nil {
		e := domain.NewAuthError(cred.Retailer, "aws_credentials", err)
		e.Message = "resolve signing credentials"
		return e
	}
	sum := sha256.Sum256(body)
	if err := c.signer.SignHTTP(ctx, keys, req, hex.EncodeToString(sum[:]), s.Service, region, c.now()); err != nil {
		e := domain.NewAuthError(cred.Retailer, "sigv4", err)
		e.Message = "sign request"
		return e
	}
	return nil
}

// defaultAWSCredentials uses the credential's own keys when present and the
// default AWS chain (env, shared profile, instance role) otherwise.
func defaultAWSCredentials() AWSCredentialsFunc {
	var (
		once     sync.Once
		provider aws.CredentialsProvider
		loadErr  error
	)
	return func(ctx context.Context, cred domain.Credential) (aws.Credentials, error) {
		if cred.AWSAccessKeyID != "" && cred.AWSSecretAccessKey != "" {
			return credentials.NewStaticCredentialsProvider(cred.AWSAccessKeyID, cred.AWSSecretAccessKey, "").Retrieve(ctx)
		}
		once.Do(func() {
			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				loadErr = err
				return
			}
			provider = cfg.Credentials
		})
		if loadErr != nil {
			return aws.Credentials{}, loadErr
		}
		if provider == nil {
			return aws.Credentials{}, fmt.Errorf("no AWS credentials available")
		}
		return provider.Retrieve(ctx)
	}
}
