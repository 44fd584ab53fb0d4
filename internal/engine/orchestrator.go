package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/httpretry"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// DefaultRunTimeout bounds one run from submit to the last sink write.
const DefaultRunTimeout = time.Hour

var errRunTimeout = errors.New("run timeout elapsed")

// DefinitionLookup resolves report type definitions.
type DefinitionLookup interface {
	Lookup(retailer, reportType string) (*catalog.Definition, error)
}

// TokenSource hands out access tokens.
type TokenSource interface {
	Token(ctx context.Context, retailer string) (domain.Token, error)
	ForceRefresh(ctx context.Context, retailer string, stale domain.Token) (domain.Token, error)
}

// Normalizer converts a downloaded artifact into canonical records.
type Normalizer interface {
	Normalize(art *domain.RawArtifact, def *catalog.Definition, job *domain.ReportJob) (*domain.NormalizedResult, error)
}

// Sink receives every normalized result.
type Sink interface {
	Name() string
	Write(ctx context.Context, def *catalog.Definition, res *domain.NormalizedResult) error
}

// JobStore persists jobs so a run can resume from download.
type JobStore interface {
	Save(ctx context.Context, job *domain.ReportJob) error
	Get(ctx context.Context, id string) (*domain.ReportJob, error)
}

// Orchestrator runs extractions end to end. It is the only place that
// retries.
type Orchestrator struct {
	catalog    DefinitionLookup
	tokens     TokenSource
	scope      *ScopeResolver
	requester  *Requester
	poller     *Poller
	downloader *Downloader
	normalizer Normalizer
	sinks      []Sink
	jobs       JobStore
	retrier    *httpretry.Retrier
	pollSleep  httpretry.SleepFunc
	runTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithSinks(sinks ...Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

func WithJobStore(store JobStore) Option {
	return func(o *Orchestrator) { o.jobs = store }
}

func WithObjectGetter(objects ObjectGetter) Option {
	return func(o *Orchestrator) { o.downloader.objects = objects }
}

func WithRetryPolicy(p httpretry.Policy) Option {
	return func(o *Orchestrator) { o.retrier.Policy = p }
}

// WithSleep replaces the timer used for both backoff and poll waits.
func WithSleep(sleep httpretry.SleepFunc) Option {
	return func(o *Orchestrator) {
		o.retrier.Sleep = sleep
		o.pollSleep = sleep
	}
}

func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.runTimeout = d
		}
	}
}

// NewOrchestrator wires the engine components around client.
func NewOrchestrator(lookup DefinitionLookup, tokens TokenSource, client *Client, normalizer Normalizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:    lookup,
		tokens:     tokens,
		scope:      NewScopeResolver(client),
		requester:  NewRequester(client),
		poller:     NewPoller(client),
		downloader: NewDownloader(client, nil),
		normalizer: normalizer,
		retrier:    httpretry.NewRetrier(httpretry.DefaultPolicy()),
		pollSleep:  httpretry.Sleep,
		runTimeout: DefaultRunTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOption adjusts a single run.
type RunOption func(*run)

// WithJobObserver is called with a snapshot every time the job changes.
func WithJobObserver(fn func(*domain.ReportJob)) RunOption {
	return func(r *run) { r.observe = fn }
}

// Run performs one extraction: submit, poll until terminal, then download,
// normalize and write to every sink.
func (o *Orchestrator) Run(ctx context.Context, retailer, reportType string, params map[string]string, opts ...RunOption) (*domain.NormalizedResult, error) {
	def, err := o.catalog.Lookup(retailer, reportType)
	if err != nil {
		return nil, err
	}
	params = NormalizeParams(params)
	if err := ValidateParams(def, params); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeoutCause(ctx, o.runTimeout, errRunTimeout)
	defer cancel()

	r := o.newRun(def, opts)
	logger.Info("engine: run started", "retailer", def.Retailer, "report_type", def.ReportType,
		"start_date", params["start_date"], "end_date", params["end_date"])

	job, err := r.submit(ctx, params)
	if err != nil {
		return nil, err
	}
	if job, err = r.pollUntilDone(ctx, job); err != nil {
		return nil, err
	}
	return r.collect(ctx, job)
}

// RunRange splits the start_date/end_date window into chunks of the report
// type's maximum range and runs them in order. It stops at the first failure
// and returns the results collected so far.
func (o *Orchestrator) RunRange(ctx context.Context, retailer, reportType string, params map[string]string, opts ...RunOption) ([]*domain.NormalizedResult, error) {
	def, err := o.catalog.Lookup(retailer, reportType)
	if err != nil {
		return nil, err
	}
	params = NormalizeParams(params)
	if err := ValidateParams(def, params); err != nil {
		return nil, err
	}

	windows, err := SplitRange(params["start_date"], params["end_date"], def.MaxRangeDays)
	if err != nil {
		return nil, annotate(err, def, "")
	}

	var results []*domain.NormalizedResult
	for _, w := range windows {
		p := withVars(params, map[string]string{"start_date": w.Start, "end_date": w.End})
		res, err := o.Run(ctx, retailer, reportType, p, opts...)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Resume downloads and normalizes a job that already SUCCEEDED, without
// submitting a new request.
func (o *Orchestrator) Resume(ctx context.Context, jobID string, opts ...RunOption) (*domain.NormalizedResult, error) {
	if o.jobs == nil {
		return nil, domain.NewError(domain.KindInvalidState, "no job store configured, cannot resume %s", jobID)
	}
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	def, err := o.catalog.Lookup(job.Retailer, job.ReportType)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobSucceeded {
		return nil, annotate(&domain.Error{
			Kind:      domain.KindInvalidState,
			Message:   fmt.Sprintf("only SUCCEEDED jobs can be resumed, job is %s", job.Status),
			JobStatus: job.Status,
		}, def, job.ID)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, o.runTimeout, errRunTimeout)
	defer cancel()

	logger.Info("engine: resuming job", "retailer", def.Retailer, "report_type", def.ReportType, "job_id", job.ID)
	return o.newRun(def, opts).collect(ctx, job)
}

func (o *Orchestrator) newRun(def *catalog.Definition, opts []RunOption) *run {
	r := &run{o: o, def: def}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run carries the state of one extraction.
type run struct {
	o       *Orchestrator
	def     *catalog.Definition
	tok     domain.Token
	observe func(*domain.ReportJob)
}

func (r *run) submit(ctx context.Context, params map[string]string) (*domain.ReportJob, error) {
	if r.o.scope.Needed(r.def, params) {
		err := r.call(ctx, "scope", func(ctx context.Context, tok domain.Token) error {
			resolved, err := r.o.scope.Resolve(ctx, r.def, params, tok)
			if err != nil {
				return err
			}
			params = resolved
			return nil
		})
		if err != nil {
			return nil, r.fail(ctx, nil, err)
		}
	}

	var job *domain.ReportJob
	err := r.call(ctx, "submit", func(ctx context.Context, tok domain.Token) error {
		j, err := r.o.requester.Submit(ctx, r.def, params, tok)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, r.fail(ctx, nil, err)
	}
	r.record(ctx, job)
	return job, nil
}

func (r *run) pollUntilDone(ctx context.Context, job *domain.ReportJob) (*domain.ReportJob, error) {
	for {
		var next *domain.ReportJob
		err := r.call(ctx, "poll", func(ctx context.Context, tok domain.Token) error {
			j, err := r.o.poller.Poll(ctx, r.def, job, tok)
			if err != nil {
				return err
			}
			next = j
			return nil
		})
		if err != nil {
			return nil, r.fail(ctx, job, err)
		}
		if next.Status != job.Status {
			r.record(ctx, next)
		}
		job = next

		if job.Status.Terminal() {
			break
		}
		if err := r.o.pollSleep(ctx, r.def.PollInterval); err != nil {
			return nil, r.fail(ctx, job, err)
		}
	}

	if job.Status != domain.JobSucceeded {
		msg := fmt.Sprintf("job ended %s", job.Status)
		if job.FailureReason != "" {
			msg += ": " + job.FailureReason
		}
		e := domain.NewExtractionFailed(job, r.def.Retailer, r.def.ReportType, nil)
		e.Message = msg
		logger.Error("engine: run failed", "retailer", r.def.Retailer, "report_type", r.def.ReportType,
			"job_id", job.ID, "status", string(job.Status), "remote_status", job.RemoteStatus)
		return nil, e
	}
	return job, nil
}

// collect downloads, normalizes and delivers a SUCCEEDED job.
func (r *run) collect(ctx context.Context, job *domain.ReportJob) (*domain.NormalizedResult, error) {
	var art *domain.RawArtifact
	err := r.call(ctx, "download", func(ctx context.Context, tok domain.Token) error {
		a, err := r.o.downloader.Download(ctx, r.def, job, tok)
		if err != nil {
			return err
		}
		art = a
		return nil
	})
	if err != nil {
		return nil, r.fail(ctx, job, err)
	}

	res, err := r.o.normalizer.Normalize(art, r.def, job)
	if err != nil {
		return nil, r.fail(ctx, job, annotate(err, r.def, job.ID))
	}

	for _, sink := range r.o.sinks {
		if err := sink.Write(ctx, r.def, res); err != nil {
			return nil, r.fail(ctx, job, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}

	logger.Info("engine: run completed", "retailer", r.def.Retailer, "report_type", r.def.ReportType,
		"job_id", job.ID, "rows", res.Metadata.RowCount)
	return res, nil
}

// call runs one step under the retry policy. An AuthError from the step
// triggers exactly one forced token refresh and one more try.
func (r *run) call(ctx context.Context, step string, fn func(ctx context.Context, tok domain.Token) error) error {
	refreshed := false
	for {
		tokenFailed := false
		out, err := r.o.retrier.Do(ctx, classify, func(ctx context.Context, attempt int) error {
			tok, err := r.o.tokens.Token(ctx, r.def.Retailer)
			if err != nil {
				tokenFailed = true
				return err
			}
			tokenFailed = false
			r.tok = tok
			err = fn(ctx, tok)
			if err != nil && domain.IsRetryable(err) {
				logger.Warn("engine: step failed, backing off",
					"retailer", r.def.Retailer, "report_type", r.def.ReportType,
					"step", step, "attempt", attempt, "error", err.Error())
			}
			return err
		})
		if err == nil {
			return nil
		}
		if out.Exhausted {
			logger.Error("engine: retry budget exhausted",
				"retailer", r.def.Retailer, "report_type", r.def.ReportType, "step", step, "attempts", out.Attempts)
		}
		if tokenFailed || refreshed || domain.KindOf(err) != domain.KindAuth {
			return err
		}

		refreshed = true
		logger.Warn("engine: token rejected, forcing refresh",
			"retailer", r.def.Retailer, "report_type", r.def.ReportType, "step", step)
		tok, ferr := r.o.tokens.ForceRefresh(ctx, r.def.Retailer, r.tok)
		if ferr != nil {
			return ferr
		}
		r.tok = tok
	}
}

func classify(err error) (bool, time.Duration) {
	return domain.IsRetryable(err), domain.RetryAfter(err)
}

// fail wraps err in the run envelope. A cancelled or timed out context moves
// the job to CANCELLED or TIMED_OUT first.
func (r *run) fail(ctx context.Context, job *domain.ReportJob, err error) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		status := domain.JobCancelled
		if errors.Is(cause, errRunTimeout) {
			status = domain.JobTimedOut
		}
		if job != nil && !job.Status.Terminal() {
			job = job.Clone()
			if terr := job.Transition(status); terr == nil {
				r.record(context.WithoutCancel(ctx), job)
			}
		}
		e := domain.NewExtractionFailed(job, r.def.Retailer, r.def.ReportType, cause)
		if job == nil {
			e.JobStatus = status
		}
		e.Message = "run cancelled"
		if status == domain.JobTimedOut {
			e.Message = "run timed out"
		}
		logger.Warn("engine: run stopped", "retailer", r.def.Retailer, "report_type", r.def.ReportType,
			"job_id", jobID(job), "status", string(status))
		return e
	}

	e := domain.NewExtractionFailed(job, r.def.Retailer, r.def.ReportType, err)
	logger.Error("engine: run failed", "retailer", r.def.Retailer, "report_type", r.def.ReportType,
		"job_id", jobID(job), "error", err.Error())
	return e
}

// record persists and publishes a job snapshot. Persistence failures are
// logged; the run itself can still finish.
func (r *run) record(ctx context.Context, job *domain.ReportJob) {
	if r.o.jobs != nil {
		if err := r.o.jobs.Save(ctx, job); err != nil {
			logger.Warn("engine: job not persisted", "job_id", job.ID, "status", string(job.Status), "error", err.Error())
		}
	}
	if r.observe != nil {
		r.observe(job.Clone())
	}
}

func jobID(job *domain.ReportJob) string {
	if job == nil {
		return ""
	}
	return job.ID
}
