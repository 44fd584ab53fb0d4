package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/credentials"
	"github.com/ignite/ecomm-report-extractor/internal/datanorm"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/httpretry"
)

const testCatalog = `
retailers:
  ads:
    token_url: BASE/token
    headers:
      X-Client: "{client_id}"
    scoped_headers:
      X-Scope: "{profile_id}"
    scope_lookup:
      url: BASE/profiles
      param: profile_id
      match:
        countryCode: "{country_code}"
        accountInfo.type: vendor
      value_path: profileId
      country_aliases:
        GB: UK
  amc:
    token_url: BASE/token
  shop:
    token_url: BASE/token
    grant_type: client_credentials
    token_header: X-Token
    token_prefix: ""
reports:
  - retailer: ads
    report_type: spCampaigns
    required_params: [start_date, end_date, country_code]
    submit:
      url: BASE/reports
      body: '{"startDate": "{start_date}", "endDate": "{end_date}"}'
      job_id_path: reportId
    status:
      url: BASE/reports/{job_id}
      status_path: status
      location_path: url
      failure_reason_path: failureReason
    status_map:
      PENDING: SUBMITTED
      PROCESSING: IN_PROGRESS
      COMPLETED: SUCCEEDED
      FAILURE: FAILED
    poll_interval: 1s
    max_poll_attempts: 4
    artifact:
      format: json
    schema:
      - {name: report_date, source: date, type: date}
      - {name: campaign_id, source: campaignId}
      - {name: clicks, type: int}
  - retailer: amc
    report_type: attribution
    required_params: [start_date, end_date, instance_id]
    submit:
      url: BASE/amc/{instance_id}/executions
      body: '{"start": "{start_date}"}'
      job_id_path: id
    status:
      url: BASE/amc/{instance_id}/executions/{job_id}
      status_path: status
    download:
      resolve:
        url: BASE/amc/{instance_id}/executions/{job_id}/urls
        locations_path: urls
    status_map: {RUNNING: IN_PROGRESS, SUCCEEDED: SUCCEEDED}
    poll_interval: 1s
    artifact: {format: csv}
    schema:
      - {name: campaign}
      - {name: impressions, type: int}
  - retailer: shop
    report_type: items
    required_params: [end_date]
    submit:
      method: GET
      url: BASE/items?date={end_date}
      locations_path: downloadUrls.#.url
    artifact: {format: csv}
    schema:
      - {name: item_id, source: Item ID}
      - {name: units, source: Units, type: int}
`

var adsParams = map[string]string{"start_date": "2025-01-01", "end_date": "2025-01-02", "country_code": "US"}

type fakeTokens struct {
	mu      sync.Mutex
	current string
	minted  int
	forced  int
}

func (f *fakeTokens) Token(_ context.Context, retailer string) (domain.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == "" {
		f.minted++
		f.current = fmt.Sprintf("tok-%d", f.minted)
	}
	return domain.Token{AccessToken: f.current, Retailer: retailer, Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, retailer string, stale domain.Token) (domain.Token, error) {
	f.mu.Lock()
	f.forced++
	if f.current == stale.AccessToken {
		f.current = ""
	}
	f.mu.Unlock()
	return f.Token(ctx, retailer)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.ReportJob
}

func (m *memJobs) Save(_ context.Context, job *domain.ReportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = map[string]*domain.ReportJob{}
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (*domain.ReportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

type harness struct {
	t      *testing.T
	mux    *http.ServeMux
	srv    *httptest.Server
	cat    *catalog.Catalog
	tokens *fakeTokens
	sleeps *sleepRecorder
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cat, err := catalog.Parse([]byte(strings.ReplaceAll(testCatalog, "BASE", srv.URL)))
	require.NoError(t, err)

	creds := credentials.NewStore(
		domain.Credential{Retailer: "ads", ClientID: "cid"},
		domain.Credential{Retailer: "amc", ClientID: "cid"},
		domain.Credential{Retailer: "shop", ClientID: "cid"},
	)
	return &harness{
		t:      t,
		mux:    mux,
		srv:    srv,
		cat:    cat,
		tokens: &fakeTokens{},
		sleeps: &sleepRecorder{},
		client: NewClient(srv.Client(), creds),
	}
}

func (h *harness) orchestrator(opts ...Option) *Orchestrator {
	base := []Option{
		WithSleep(h.sleeps.sleep),
		WithRetryPolicy(httpretry.Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, MaxAttempts: 3}),
	}
	return NewOrchestrator(h.cat, h.tokens, h.client, datanorm.NewNormalizer(), append(base, opts...)...)
}

func (h *harness) def(retailer, reportType string) *catalog.Definition {
	h.t.Helper()
	def, err := h.cat.Lookup(retailer, reportType)
	require.NoError(h.t, err)
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const adsRecords = `[
 {"date":"2025-01-01","campaignId":"c1","clicks":3},
 {"date":"2025-01-01","campaignId":"c2","clicks":0},
 {"date":"2025-01-02","campaignId":"c1","clicks":7}
]`

type adsCounters struct {
	submits   atomic.Int32
	polls     atomic.Int32
	downloads atomic.Int32
}

type statusFunc func(w http.ResponseWriter, r *http.Request, poll int32)

// serveAds wires the ads report endpoints. A nil submit handler accepts the
// request as job r-1.
func (h *harness) serveAds(submit http.HandlerFunc, status statusFunc) *adsCounters {
	c := &adsCounters{}
	h.mux.HandleFunc("POST /reports", func(w http.ResponseWriter, r *http.Request) {
		c.submits.Add(1)
		if submit != nil {
			submit(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"reportId": "r-1"})
	})
	h.mux.HandleFunc("GET /reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		status(w, r, c.polls.Add(1))
	})
	h.mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		c.downloads.Add(1)
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "pre-signed URLs take no token", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(gzipped(h.t, adsRecords))
	})
	return c
}

// completesOn reports PENDING, then PROCESSING, then COMPLETED from poll n.
func (h *harness) completesOn(n int32) statusFunc {
	return func(w http.ResponseWriter, r *http.Request, poll int32) {
		status := "PROCESSING"
		switch {
		case poll >= n:
			status = "COMPLETED"
		case poll == 1:
			status = "PENDING"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": status,
			"url":    h.srv.URL + "/files/" + r.PathValue("id") + ".json.gz",
		})
	}
}

func fixedStatus(status string) statusFunc {
	return func(w http.ResponseWriter, r *http.Request, _ int32) {
		writeJSON(w, http.StatusOK, map[string]string{"status": status, "failureReason": "query exceeded limits"})
	}
}

func scopedParams() map[string]string {
	return withVars(adsParams, map[string]string{"profile_id": "222"})
}

func requireRunFailure(t *testing.T, err error) *domain.Error {
	t.Helper()
	require.Error(t, err)
	e, ok := domain.AsError(err)
	require.True(t, ok, "expected *domain.Error, got %T", err)
	assert.Equal(t, domain.KindExtractionFailed, e.Kind)
	return e
}

func TestRunSponsoredProductsLifecycle(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("GET /profiles", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Scope") != "" {
			http.Error(w, "scope header before scope lookup", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"profileId": 111, "countryCode": "US", "accountInfo": map[string]string{"type": "seller"}},
			{"profileId": 222, "countryCode": "US", "accountInfo": map[string]string{"type": "vendor"}},
		})
	})
	var (
		mu            sync.Mutex
		submitHeaders http.Header
		submitBody    []byte
	)
	c := h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		submitHeaders = r.Header.Clone()
		submitBody, _ = io.ReadAll(r.Body)
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"reportId": "r-1"})
	}, h.completesOn(3))

	var statuses []domain.JobStatus
	res, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", adsParams,
		WithJobObserver(func(j *domain.ReportJob) { statuses = append(statuses, j.Status) }))
	require.NoError(t, err)

	assert.Equal(t, int32(1), c.submits.Load())
	assert.Equal(t, int32(3), c.polls.Load())
	assert.Equal(t, int32(1), c.downloads.Load())
	assert.Equal(t, []domain.JobStatus{domain.JobSubmitted, domain.JobInProgress, domain.JobSucceeded}, statuses)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.sleeps.delays)

	mu.Lock()
	assert.Equal(t, "222", submitHeaders.Get("X-Scope"))
	assert.Equal(t, "cid", submitHeaders.Get("X-Client"))
	assert.Equal(t, "Bearer tok-1", submitHeaders.Get("Authorization"))
	assert.JSONEq(t, `{"startDate":"2025-01-01","endDate":"2025-01-02"}`, string(submitBody))
	mu.Unlock()

	assert.Equal(t, 3, res.Metadata.RowCount)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, "US", res.Metadata.CountryCode)
	assert.Equal(t, "r-1", res.JobID)
	assert.Equal(t, int64(7), res.Records[2][2])
}

func TestRunRetriesRateLimitedSubmitAfterHint(t *testing.T) {
	h := newHarness(t)
	var calls, created atomic.Int32
	c := h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"code": "TOO_MANY_REQUESTS"})
			return
		}
		created.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{"reportId": "r-1"})
	}, h.completesOn(1))

	res, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", scopedParams())
	require.NoError(t, err)

	assert.Equal(t, int32(2), c.submits.Load())
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), c.polls.Load())
	assert.Equal(t, []time.Duration{3 * time.Second}, h.sleeps.delays)
	assert.Equal(t, 3, res.Metadata.RowCount)
}

func TestRunGivesUpAfterRetryBudget(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "try later"})
	}, h.completesOn(1))

	_, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", scopedParams())
	e := requireRunFailure(t, err)
	assert.Equal(t, domain.KindTransient, domain.CauseKind(err))
	assert.Empty(t, e.JobID)
	assert.Equal(t, int32(3), c.submits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps.delays)
}

func TestRunUnmappedRemoteStatus(t *testing.T) {
	h := newHarness(t)
	h.serveAds(nil, fixedStatus("EXPLODED"))

	_, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", scopedParams())
	e := requireRunFailure(t, err)
	assert.Equal(t, domain.KindSchemaMismatch, domain.CauseKind(err))
	assert.Equal(t, "r-1", e.JobID)
	assert.Contains(t, err.Error(), "EXPLODED")
}

func TestRunTimesOutAfterMaxPollAttempts(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(nil, fixedStatus("PROCESSING"))

	_, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", scopedParams())
	e := requireRunFailure(t, err)
	assert.Equal(t, domain.JobTimedOut, e.JobStatus)
	assert.Equal(t, "r-1", e.JobID)
	assert.Equal(t, int32(4), c.polls.Load())
	assert.Equal(t, int32(0), c.downloads.Load())
}

func TestRunRemoteFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(nil, fixedStatus("FAILURE"))

	_, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", scopedParams())
	e := requireRunFailure(t, err)
	assert.Equal(t, domain.JobFailed, e.JobStatus)
	assert.Contains(t, e.Message, "query exceeded limits")
	assert.Equal(t, int32(1), c.submits.Load())
	assert.Equal(t, int32(1), c.polls.Load())
}

func TestRunCancelledAtPollBoundary(t *testing.T) {
	h := newHarness(t)
	h.serveAds(nil, fixedStatus("PROCESSING"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := h.orchestrator(WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	var last *domain.ReportJob
	_, err := o.Run(ctx, "ads", "spCampaigns", scopedParams(), WithJobObserver(func(j *domain.ReportJob) { last = j }))
	e := requireRunFailure(t, err)
	assert.Equal(t, domain.JobCancelled, e.JobStatus)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, last)
	assert.Equal(t, domain.JobCancelled, last.Status)
}

func TestRunWallClockTimeout(t *testing.T) {
	h := newHarness(t)
	h.serveAds(nil, fixedStatus("PROCESSING"))

	o := h.orchestrator(
		WithRunTimeout(50*time.Millisecond),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	_, err := o.Run(context.Background(), "ads", "spCampaigns", scopedParams())
	e := requireRunFailure(t, err)
	assert.Equal(t, domain.JobTimedOut, e.JobStatus)
	assert.Equal(t, "r-1", e.JobID)
}

func TestRunForcesOneRefreshOnRejectedToken(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(nil, func(w http.ResponseWriter, r *http.Request, poll int32) {
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED"})
			return
		}
		h.completesOn(1)(w, r, poll)
	})

	res, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", scopedParams())
	require.NoError(t, err)
	assert.Equal(t, 1, h.tokens.forced)
	assert.Equal(t, 2, h.tokens.minted)
	assert.Equal(t, int32(2), c.polls.Load())
	assert.Equal(t, 3, res.Metadata.RowCount)
}

func TestRunRejectedTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.serveAds(nil, func(w http.ResponseWriter, r *http.Request, _ int32) {
		writeJSON(w, http.StatusForbidden, map[string]string{"code": "FORBIDDEN"})
	})

	_, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", scopedParams())
	e := requireRunFailure(t, err)
	assert.Equal(t, domain.KindAuth, domain.CauseKind(err))
	assert.Equal(t, "r-1", e.JobID)
	assert.Equal(t, 1, h.tokens.forced)
}

func TestRunValidatesBeforeAnyRequest(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(nil, h.completesOn(1))

	_, err := h.orchestrator().Run(context.Background(), "ads", "spCampaigns", map[string]string{"start_date": "2025-01-01"})
	e, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindInvalidParameters, e.Kind)
	assert.Equal(t, []string{"country_code", "end_date"}, e.Fields)
	assert.Equal(t, int32(0), c.submits.Load())

	_, err = h.orchestrator().Run(context.Background(), "ads", "sbKeywords", adsParams)
	assert.Equal(t, domain.KindUnknownReportType, domain.KindOf(err))
}

func TestRunSynchronousReport(t *testing.T) {
	h := newHarness(t)
	var lookups atomic.Int32
	h.mux.HandleFunc("GET /items", func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		if r.Header.Get("X-Token") != "tok-1" || r.URL.Query().Get("date") != "2025-01-02" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"downloadUrls": []map[string]string{
			{"url": h.srv.URL + "/exports/a.csv"},
			{"url": h.srv.URL + "/exports/b.csv"},
		}})
	})
	h.mux.HandleFunc("GET /exports/a.csv", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Item ID,Units\n1,5\n2,6\n")
	})
	h.mux.HandleFunc("GET /exports/b.csv", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Item ID,Units\n3,7\n")
	})

	var statuses []domain.JobStatus
	res, err := h.orchestrator().Run(context.Background(), "shop", "items", map[string]string{"end_date": "2025-01-02"},
		WithJobObserver(func(j *domain.ReportJob) { statuses = append(statuses, j.Status) }))
	require.NoError(t, err)
	assert.Equal(t, int32(1), lookups.Load())
	assert.Equal(t, []domain.JobStatus{domain.JobSubmitted, domain.JobSucceeded}, statuses)
	assert.Equal(t, 3, res.Metadata.RowCount)
	assert.Equal(t, "3", res.Records[2][0])
	assert.Len(t, res.JobID, 36)
	assert.Empty(t, h.sleeps.delays)
}

func TestResumeDownloadsWithoutResubmitting(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(nil, h.completesOn(1))
	store := &memJobs{}
	o := h.orchestrator(WithJobStore(store))

	_, err := o.Run(context.Background(), "ads", "spCampaigns", scopedParams())
	require.NoError(t, err)

	res, err := o.Resume(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Metadata.RowCount)
	assert.Equal(t, int32(1), c.submits.Load())
	assert.Equal(t, int32(2), c.downloads.Load())
}

func TestResumeRejectsUnfinishedJob(t *testing.T) {
	h := newHarness(t)
	store := &memJobs{}
	job := domain.NewReportJob("r-9", "ads", "spCampaigns", scopedParams(), time.Now())
	require.NoError(t, store.Save(context.Background(), job))

	_, err := h.orchestrator(WithJobStore(store)).Resume(context.Background(), "r-9")
	assert.Equal(t, domain.KindInvalidState, domain.KindOf(err))
}

func TestRunRangeChunksWindows(t *testing.T) {
	h := newHarness(t)
	var starts []string
	var mu sync.Mutex
	c := h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		starts = append(starts, body["startDate"]+".."+body["endDate"])
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"reportId": "r-1"})
	}, h.completesOn(1))

	params := withVars(scopedParams(), map[string]string{"start_date": "2025-01-01", "end_date": "2025-01-25"})
	results, err := h.orchestrator().RunRange(context.Background(), "ads", "spCampaigns", params)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, int32(3), c.submits.Load())
	assert.Equal(t, []string{"2025-01-01..2025-01-10", "2025-01-11..2025-01-20", "2025-01-21..2025-01-25"}, starts)
}

func TestSubmitIsOneCall(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"reportId": "r-1"})
	}, h.completesOn(1))
	def := h.def("ads", "spCampaigns")
	tok := domain.Token{AccessToken: "tok"}

	job, err := NewRequester(h.client).Submit(context.Background(), def, scopedParams(), tok)
	require.NoError(t, err)
	assert.Equal(t, "r-1", job.ID)
	assert.Equal(t, domain.JobSubmitted, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, int32(1), c.submits.Load())
}

func TestSubmitDoesNotRetryOnItsOwn(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{})
	}, h.completesOn(1))

	_, err := NewRequester(h.client).Submit(context.Background(), h.def("ads", "spCampaigns"), scopedParams(), domain.Token{AccessToken: "tok"})
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.Equal(t, int32(1), c.submits.Load())
}

func TestSubmitMissingJobIDIsSchemaMismatch(t *testing.T) {
	h := newHarness(t)
	h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "r-1"})
	}, h.completesOn(1))

	_, err := NewRequester(h.client).Submit(context.Background(), h.def("ads", "spCampaigns"), scopedParams(), domain.Token{AccessToken: "tok"})
	assert.Equal(t, domain.KindSchemaMismatch, domain.KindOf(err))
}

func TestSubmitOversizedResponseIsCorrupt(t *testing.T) {
	h := newHarness(t)
	h.client.maxResponse = 64
	h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"reportId": "r-1", "padding": strings.Repeat("x", 128)})
	}, h.completesOn(1))

	_, err := NewRequester(h.client).Submit(context.Background(), h.def("ads", "spCampaigns"), scopedParams(), domain.Token{AccessToken: "tok"})
	e, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindCorruptArtifact, e.Kind)
	assert.Contains(t, e.Message, "exceeds 64 bytes")
}

func TestSubmitResponseAtLimitIsAccepted(t *testing.T) {
	h := newHarness(t)
	body := `{"reportId":"r-1"}`
	h.client.maxResponse = int64(len(body))
	h.serveAds(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}, h.completesOn(1))

	job, err := NewRequester(h.client).Submit(context.Background(), h.def("ads", "spCampaigns"), scopedParams(), domain.Token{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "r-1", job.ID)
}

func TestPollTerminalJobMakesNoCall(t *testing.T) {
	h := newHarness(t)
	c := h.serveAds(nil, h.completesOn(1))
	def := h.def("ads", "spCampaigns")

	job := domain.NewReportJob("r-1", "ads", "spCampaigns", scopedParams(), time.Now())
	require.NoError(t, job.Transition(domain.JobFailed))

	got, err := NewPoller(h.client).Poll(context.Background(), def, job, domain.Token{AccessToken: "tok"})
	assert.Equal(t, domain.KindInvalidState, domain.KindOf(err))
	assert.Same(t, job, got)
	assert.Equal(t, int32(0), c.polls.Load())
}

func TestPollDoesNotMutateInput(t *testing.T) {
	h := newHarness(t)
	h.serveAds(nil, h.completesOn(1))
	def := h.def("ads", "spCampaigns")
	job := domain.NewReportJob("r-1", "ads", "spCampaigns", scopedParams(), time.Now())

	next, err := NewPoller(h.client).Poll(context.Background(), def, job, domain.Token{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, next.Status)
	assert.Equal(t, 1, next.Attempts)
	require.Len(t, next.ResultLocations, 1)
	assert.Equal(t, domain.JobSubmitted, job.Status)
	assert.Equal(t, 0, job.Attempts)
}

func TestPollErrorDoesNotCountAttempt(t *testing.T) {
	h := newHarness(t)
	h.serveAds(nil, func(w http.ResponseWriter, r *http.Request, _ int32) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{})
	})
	job := domain.NewReportJob("r-1", "ads", "spCampaigns", scopedParams(), time.Now())

	got, err := NewPoller(h.client).Poll(context.Background(), h.def("ads", "spCampaigns"), job, domain.Token{AccessToken: "tok"})
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.Equal(t, 0, got.Attempts)
}

func TestDownloadRejectsUnfinishedJob(t *testing.T) {
	h := newHarness(t)
	job := domain.NewReportJob("r-1", "ads", "spCampaigns", nil, time.Now())

	_, err := NewDownloader(h.client, nil).Download(context.Background(), h.def("ads", "spCampaigns"), job, domain.Token{})
	assert.Equal(t, domain.KindInvalidState, domain.KindOf(err))
}

func TestDownloadCorruptPayloads(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("GET /bad/gzip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x1f, 0x8b, 0x01, 0x02, 0x03})
	})
	h.mux.HandleFunc("GET /bad/empty", func(w http.ResponseWriter, r *http.Request) {})
	h.mux.HandleFunc("GET /bad/short", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("[1,2,3]"))
	})
	h.mux.HandleFunc("GET /bad/unavailable", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	def := h.def("ads", "spCampaigns")

	cases := map[string]domain.Kind{
		"/bad/gzip":        domain.KindCorruptArtifact,
		"/bad/empty":       domain.KindCorruptArtifact,
		"/bad/short":       domain.KindCorruptArtifact,
		"/bad/unavailable": domain.KindTransient,
	}
	for path, want := range cases {
		t.Run(path, func(t *testing.T) {
			job := domain.NewReportJob("r-1", "ads", "spCampaigns", nil, time.Now())
			require.NoError(t, job.Transition(domain.JobSucceeded))
			job.ResultLocations = []string{h.srv.URL + path}

			_, err := NewDownloader(h.client, nil).Download(context.Background(), def, job, domain.Token{})
			assert.Equal(t, want, domain.KindOf(err))
		})
	}
}

type fakeObjects struct {
	bucket, key string
	data        []byte
}

func (f *fakeObjects) GetObject(_ context.Context, bucket, key string, _ int64) ([]byte, error) {
	f.bucket, f.key = bucket, key
	return f.data, nil
}

func TestDownloadFromObjectStore(t *testing.T) {
	h := newHarness(t)
	objects := &fakeObjects{data: gzipped(t, adsRecords)}
	job := domain.NewReportJob("r-1", "ads", "spCampaigns", nil, time.Now())
	require.NoError(t, job.Transition(domain.JobSucceeded))
	job.ResultLocations = []string{"s3://reports-bucket/exports/r-1.json.gz"}

	art, err := NewDownloader(h.client, objects).Download(context.Background(), h.def("ads", "spCampaigns"), job, domain.Token{})
	require.NoError(t, err)
	assert.Equal(t, "reports-bucket", objects.bucket)
	assert.Equal(t, "exports/r-1.json.gz", objects.key)
	assert.JSONEq(t, adsRecords, string(art.Parts[0].Data))
}

func TestDownloadResolvesLocations(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("GET /amc/{instance}/executions/{id}/urls", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("instance") != "inst-1" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"urls": []string{h.srv.URL + "/amc-out/1.csv"}})
	})
	h.mux.HandleFunc("GET /amc-out/1.csv", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "campaign,impressions\nA,10\n")
	})
	job := domain.NewReportJob("e-1", "amc", "attribution", map[string]string{"instance_id": "inst-1"}, time.Now())
	require.NoError(t, job.Transition(domain.JobSucceeded))

	art, err := NewDownloader(h.client, nil).Download(context.Background(), h.def("amc", "attribution"), job, domain.Token{AccessToken: "tok"})
	require.NoError(t, err)
	require.Len(t, art.Parts, 1)
	assert.Equal(t, h.srv.URL+"/amc-out/1.csv", art.Parts[0].Location)
	assert.Empty(t, job.ResultLocations)
}

func TestScopeLookupAppliesCountryAlias(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("GET /profiles", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"profileId": 1, "countryCode": "UK", "accountInfo": map[string]string{"type": "seller"}},
			{"profileId": 3286475920012345, "countryCode": "UK", "accountInfo": map[string]string{"type": "vendor"}},
		})
	})
	def := h.def("ads", "spCampaigns")
	s := NewScopeResolver(h.client)

	params, err := s.Resolve(context.Background(), def, map[string]string{"country_code": "GB"}, domain.Token{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "3286475920012345", params["profile_id"])
	assert.Equal(t, "GB", params["country_code"])

	_, err = s.Resolve(context.Background(), def, map[string]string{"country_code": "DE"}, domain.Token{AccessToken: "tok"})
	e, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindInvalidParameters, e.Kind)
	assert.Equal(t, []string{"country_code"}, e.Fields)
}

func TestValidateParams(t *testing.T) {
	h := newHarness(t)
	def := h.def("ads", "spCampaigns")

	tests := []struct {
		name   string
		params map[string]string
		fields []string
	}{
		{"bad date", map[string]string{"start_date": "2025/01/01", "end_date": "2025-01-02", "country_code": "US"}, []string{"start_date"}},
		{"reversed", map[string]string{"start_date": "2025-01-03", "end_date": "2025-01-02", "country_code": "US"}, []string{"start_date", "end_date"}},
		{"country", map[string]string{"start_date": "2025-01-01", "end_date": "2025-01-02", "country_code": "USA"}, []string{"country_code"}},
		{"blank", map[string]string{"start_date": "", "end_date": "2025-01-02", "country_code": "US"}, []string{"start_date"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParams(def, NormalizeParams(tt.params))
			e, ok := domain.AsError(err)
			require.True(t, ok)
			assert.Equal(t, domain.KindInvalidParameters, e.Kind)
			assert.Equal(t, tt.fields, e.Fields)
		})
	}
	assert.NoError(t, ValidateParams(def, NormalizeParams(adsParams)))
}

func TestSplitRange(t *testing.T) {
	w, err := SplitRange("2025-01-01", "2025-01-07", 7)
	require.NoError(t, err)
	assert.Equal(t, []Window{{"2025-01-01", "2025-01-07"}}, w)

	w, err = SplitRange("2025-02-27", "2025-03-02", 2)
	require.NoError(t, err)
	assert.Equal(t, []Window{{"2025-02-27", "2025-02-28"}, {"2025-03-01", "2025-03-02"}}, w)

	_, err = SplitRange("2025-03-02", "2025-03-01", 2)
	assert.Equal(t, domain.KindInvalidParameters, domain.KindOf(err))
}

func TestClassifyResponse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/reports?sig=secret", nil)
	now := time.Now()

	tests := []struct {
		status int
		body   string
		kind   domain.Kind
		code   string
	}{
		{401, `{"code":"UNAUTHORIZED"}`, domain.KindAuth, "UNAUTHORIZED"},
		{403, `{"errors":[{"code":"Unauthorized","message":"Access denied"}]}`, domain.KindAuth, "Unauthorized"},
		{429, ``, domain.KindRateLimited, ""},
		{503, `upstream unavailable`, domain.KindTransient, ""},
		{400, `{"code":"INVALID_ARGUMENT","details":"startDate too old"}`, domain.KindInvalidParameters, "INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{"Retry-After": {"5"}}}
		err := classifyResponse("ads", req, resp, []byte(tt.body), now)
		e, ok := domain.AsError(err)
		require.True(t, ok)
		assert.Equal(t, tt.kind, e.Kind, "status %d", tt.status)
		assert.Equal(t, tt.code, e.Code, "status %d", tt.status)
		assert.NotContains(t, e.Error(), "secret")
	}

	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": {"5"}}}
	assert.Equal(t, 5*time.Second, domain.RetryAfter(classifyResponse("ads", req, resp, nil, now)))
}
