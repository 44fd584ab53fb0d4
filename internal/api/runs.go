package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

// RunState is the lifecycle of an API-triggered extraction.
type RunState string

const (
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

var (
	errRunNotFound = errors.New("run not found")
	errRunFinished = errors.New("run already finished")
	errAtCapacity  = errors.New("too many runs in progress")
)

// maxFinishedRuns bounds how many completed runs stay inspectable.
const maxFinishedRuns = 200

// RunError is the failure of a run as reported over the API.
type RunError struct {
	Kind    domain.Kind `json:"kind"`
	Cause   domain.Kind `json:"cause,omitempty"`
	Message string      `json:"message"`
	Fields  []string    `json:"fields,omitempty"`
	JobID   string      `json:"job_id,omitempty"`
}

func newRunError(err error) *RunError {
	re := &RunError{Kind: domain.KindOf(err), Cause: domain.CauseKind(err), Message: err.Error()}
	if e, ok := domain.AsError(err); ok {
		re.Fields = e.Fields
		re.JobID = e.JobID
	}
	return re
}

// Run is a snapshot of one extraction started through the API.
type Run struct {
	ID          string            `json:"run_id"`
	Retailer    string            `json:"retailer"`
	ReportType  string            `json:"report_type"`
	Params      map[string]string `json:"params,omitempty"`
	ResumeJobID string            `json:"resume_job_id,omitempty"`
	State       RunState          `json:"state"`
	Job         *domain.ReportJob `json:"job,omitempty"`
	Windows     int               `json:"windows_completed"`
	RowCount    int               `json:"row_count"`
	Error       *RunError         `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

type runEntry struct {
	run       Run
	cancel    context.CancelFunc
	cancelled bool
}

// RunRegistry tracks in-flight and recently finished runs and enforces the
// concurrent run limit.
type RunRegistry struct {
	mu     sync.RWMutex
	runs   map[string]*runEntry
	limit  int
	active int
	now    func() time.Time
}

// NewRunRegistry creates a registry. limit <= 0 means unlimited.
func NewRunRegistry(limit int) *RunRegistry {
	return &RunRegistry{runs: make(map[string]*runEntry), limit: limit, now: time.Now}
}

// Start registers a run and returns its id and a context cancelled by
// Cancel. The context derives from parent, not from any request.
func (r *RunRegistry) Start(parent context.Context, run Run) (string, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && r.active >= r.limit {
		return "", nil, errAtCapacity
	}

	ctx, cancel := context.WithCancel(parent)
	run.ID = uuid.NewString()
	run.State = RunRunning
	run.StartedAt = r.now().UTC()
	r.runs[run.ID] = &runEntry{run: run, cancel: cancel}
	r.active++
	return run.ID, ctx, nil
}

// Observe records the latest job snapshot of a run.
func (r *RunRegistry) Observe(id string, job *domain.ReportJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[id]; ok {
		e.run.Job = job
	}
}

// Finish closes a run with its results or error.
func (r *RunRegistry) Finish(id string, results []*domain.NormalizedResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok || e.run.State != RunRunning {
		return
	}
	e.cancel()
	r.active--

	now := r.now().UTC()
	e.run.FinishedAt = &now
	e.run.Windows = len(results)
	for _, res := range results {
		e.run.RowCount += len(res.Records)
	}
	switch {
	case err == nil:
		e.run.State = RunSucceeded
	case e.cancelled:
		e.run.State = RunCancelled
		e.run.Error = newRunError(err)
	default:
		e.run.State = RunFailed
		e.run.Error = newRunError(err)
	}
	r.prune()
}

// Cancel requests cancellation of a running run.
func (r *RunRegistry) Cancel(id string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok {
		return Run{}, errRunNotFound
	}
	if e.run.State != RunRunning {
		return e.run, errRunFinished
	}
	e.cancelled = true
	e.cancel()
	return e.run, nil
}

// Get returns a snapshot of a run.
func (r *RunRegistry) Get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return e.run, true
}

// List returns all tracked runs, newest first.
func (r *RunRegistry) List() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Run, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Load returns the number of running runs and the limit.
func (r *RunRegistry) Load() (active, limit int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.limit
}

// prune drops the oldest finished runs beyond maxFinishedRuns. Caller holds mu.
func (r *RunRegistry) prune() {
	var finished []*runEntry
	for _, e := range r.runs {
		if e.run.State != RunRunning {
			finished = append(finished, e)
		}
	}
	if len(finished) <= maxFinishedRuns {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].run.FinishedAt.Before(*finished[j].run.FinishedAt) })
	for _, e := range finished[:len(finished)-maxFinishedRuns] {
		delete(r.runs, e.run.ID)
	}
}
