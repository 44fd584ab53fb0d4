// Package api exposes the extraction engine over HTTP: browse the report
// catalog, start runs in the background, follow their job status and cancel
// them.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/engine"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/httputil"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
	"github.com/ignite/ecomm-report-extractor/internal/repository/postgres"
)

// Extractor runs extractions. *engine.Orchestrator satisfies it.
type Extractor interface {
	RunRange(ctx context.Context, retailer, reportType string, params map[string]string, opts ...engine.RunOption) ([]*domain.NormalizedResult, error)
	Resume(ctx context.Context, jobID string, opts ...engine.RunOption) (*domain.NormalizedResult, error)
}

// JobReader reads persisted report jobs. *postgres.JobRepo satisfies it.
type JobReader interface {
	Get(ctx context.Context, id string) (*domain.ReportJob, error)
	List(ctx context.Context, f postgres.ListFilter) ([]*domain.ReportJob, error)
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	baseCtx   context.Context
	extractor Extractor
	catalog   *catalog.Catalog
	runs      *RunRegistry
	jobs      JobReader
}

// NewHandlers creates the handlers. Background runs derive from ctx, so
// cancelling it stops every run. jobs may be nil.
func NewHandlers(ctx context.Context, extractor Extractor, cat *catalog.Catalog, runs *RunRegistry, jobs JobReader) *Handlers {
	return &Handlers{baseCtx: ctx, extractor: extractor, catalog: cat, runs: runs, jobs: jobs}
}

type definitionSummary struct {
	Retailer       string                `json:"retailer"`
	ReportType     string                `json:"report_type"`
	Description    string                `json:"description,omitempty"`
	RequiredParams []string              `json:"required_params"`
	Synchronous    bool                  `json:"synchronous"`
	Format         domain.ArtifactFormat `json:"format"`
	Fields         []domain.Field        `json:"fields"`
	MaxRangeDays   int                   `json:"max_range_days"`
	PollInterval   string                `json:"poll_interval,omitempty"`
}

func summarize(d *catalog.Definition) definitionSummary {
	s := definitionSummary{
		Retailer:       d.Retailer,
		ReportType:     d.ReportType,
		Description:    d.Description,
		RequiredParams: d.RequiredParams,
		Synchronous:    d.Synchronous(),
		Format:         d.Artifact.Format,
		Fields:         d.Fields(),
		MaxRangeDays:   d.MaxRangeDays,
	}
	if !s.Synchronous {
		s.PollInterval = d.PollInterval.String()
	}
	return s
}

// ListCatalog returns every registered report type.
//
//	GET /api/catalog
func (h *Handlers) ListCatalog(w http.ResponseWriter, r *http.Request) {
	defs := h.catalog.Definitions()
	out := make([]definitionSummary, len(defs))
	for i, d := range defs {
		out[i] = summarize(d)
	}
	httputil.OK(w, map[string]interface{}{"reports": out, "count": len(out)})
}

// GET /api/catalog/{retailer}/{reportType}
func (h *Handlers) GetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.catalog.Lookup(chi.URLParam(r, "retailer"), chi.URLParam(r, "reportType"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.OK(w, def)
}

type extractionRequest struct {
	Retailer    string            `json:"retailer"`
	ReportType  string            `json:"report_type"`
	Params      map[string]string `json:"params"`
	ResumeJobID string            `json:"resume_job_id"`
}

// StartExtraction validates the request and starts the run in the
// background. Parameter errors are reported synchronously.
//
//	POST /api/extractions
func (h *Handlers) StartExtraction(w http.ResponseWriter, r *http.Request) {
	var req extractionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	run := Run{ResumeJobID: req.ResumeJobID}
	if req.ResumeJobID == "" {
		if req.Retailer == "" || req.ReportType == "" {
			httputil.BadRequest(w, "retailer and report_type are required")
			return
		}
		def, err := h.catalog.Lookup(req.Retailer, req.ReportType)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		params := engine.NormalizeParams(req.Params)
		if err := engine.ValidateParams(def, params); err != nil {
			writeEngineError(w, err)
			return
		}
		run.Retailer, run.ReportType, run.Params = def.Retailer, def.ReportType, params
	}

	id, ctx, err := h.runs.Start(h.baseCtx, run)
	if err != nil {
		httputil.Error(w, http.StatusTooManyRequests, err.Error())
		return
	}

	go h.execute(ctx, id, run)

	snapshot, _ := h.runs.Get(id)
	httputil.Accepted(w, snapshot)
}

func (h *Handlers) execute(ctx context.Context, id string, run Run) {
	observe := engine.WithJobObserver(func(job *domain.ReportJob) { h.runs.Observe(id, job) })

	var (
		results []*domain.NormalizedResult
		err     error
	)
	if run.ResumeJobID != "" {
		var res *domain.NormalizedResult
		res, err = h.extractor.Resume(ctx, run.ResumeJobID, observe)
		if res != nil {
			results = append(results, res)
		}
	} else {
		results, err = h.extractor.RunRange(ctx, run.Retailer, run.ReportType, run.Params, observe)
	}

	if err != nil {
		logger.Warn("api: run failed", "run_id", id, "kind", string(domain.KindOf(err)), "error", err.Error())
	}
	h.runs.Finish(id, results, err)
}

// GET /api/extractions
func (h *Handlers) ListExtractions(w http.ResponseWriter, r *http.Request) {
	runs := h.runs.List()
	httputil.OK(w, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// GET /api/extractions/{id}
func (h *Handlers) GetExtraction(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runs.Get(chi.URLParam(r, "id"))
	if !ok {
		httputil.NotFound(w, errRunNotFound.Error())
		return
	}
	httputil.OK(w, run)
}

// CancelExtraction cancels a running run. The run settles as cancelled
// once the engine observes the cancellation.
//
//	DELETE /api/extractions/{id}
func (h *Handlers) CancelExtraction(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, errRunNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, errRunFinished):
		httputil.KindError(w, http.StatusConflict, string(domain.KindInvalidState), err.Error(), run)
	default:
		httputil.Accepted(w, run)
	}
}

// GET /api/jobs?retailer=&status=&page=&limit=
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		httputil.Error(w, http.StatusNotImplemented, "job store not configured")
		return
	}
	p := ParsePagination(r, 50, 200)
	q := r.URL.Query()
	jobs, err := h.jobs.List(r.Context(), postgres.ListFilter{
		Retailer: q.Get("retailer"),
		Status:   domain.JobStatus(q.Get("status")),
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, newPaginatedResponse(jobs, len(jobs), p))
}

// GET /api/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		httputil.Error(w, http.StatusNotImplemented, "job store not configured")
		return
	}
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrJobNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, job)
}

// writeEngineError maps an engine error kind to an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	e, ok := domain.AsError(err)
	if !ok {
		httputil.InternalError(w, err)
		return
	}
	status := http.StatusBadGateway
	switch e.Kind {
	case domain.KindInvalidParameters:
		status = http.StatusBadRequest
	case domain.KindUnknownReportType:
		status = http.StatusNotFound
	case domain.KindInvalidState:
		status = http.StatusConflict
	}
	var details interface{}
	if len(e.Fields) > 0 {
		details = map[string][]string{"fields": e.Fields}
	}
	httputil.KindError(w, status, string(e.Kind), e.Error(), details)
}
