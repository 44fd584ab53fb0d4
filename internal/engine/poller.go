package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// Poller queries job status.
type Poller struct {
	client *Client
	now    func() time.Time
}

func NewPoller(client *Client) *Poller {
	return &Poller{client: client, now: time.Now}
}

// Poll issues one status request and returns an updated copy of job. The
// input job is never modified. A terminal job is rejected without a
// request. When the request fails the job is returned unchanged along with
// the error, and the attempt is not counted.
func (p *Poller) Poll(ctx context.Context, def *catalog.Definition, job *domain.ReportJob, tok domain.Token) (*domain.ReportJob, error) {
	if job.Status.Terminal() {
		return job, annotate(&domain.Error{
			Kind:      domain.KindInvalidState,
			Message:   fmt.Sprintf("job is already %s", job.Status),
			JobStatus: job.Status,
		}, def, job.ID)
	}

	next := job.Clone()

	// Synchronous reports finished at submit.
	if def.Synchronous() || job.Synchronous {
		if err := next.RecordPoll(p.now()); err != nil {
			return job, err
		}
		if err := next.Transition(domain.JobSucceeded); err != nil {
			return job, err
		}
		return next, nil
	}

	body, err := p.client.do(ctx, request{
		def:      def,
		profile:  def.Profile,
		endpoint: def.Status.Endpoint,
		token:    tok,
		vars:     withVars(job.Params, map[string]string{"job_id": job.ID}),
		scoped:   true,
	})
	if err != nil {
		return job, annotate(err, def, job.ID)
	}

	remote := gjson.GetBytes(body, def.Status.StatusPath)
	if !remote.Exists() {
		return job, schemaDrift(def, job.ID, "status response has no status at %q", def.Status.StatusPath)
	}
	status, ok := def.MapStatus(remote.String())
	if !ok {
		e := domain.NewError(domain.KindSchemaMismatch, "unmapped remote status %q", remote.String())
		e.Fields = []string{remote.String()}
		e.JobStatus = job.Status
		return job, annotate(e, def, job.ID)
	}

	if err := next.RecordPoll(p.now()); err != nil {
		return job, err
	}
	next.RemoteStatus = remote.String()

	switch status {
	case domain.JobSucceeded:
		if def.Status.LocationPath != "" {
			next.ResultLocations = stringsAt(body, def.Status.LocationPath)
			if len(next.ResultLocations) == 0 && def.Download.Resolve == nil {
				return job, schemaDrift(def, job.ID, "completed job has no result location at %q", def.Status.LocationPath)
			}
		}
		if next.Params == nil && len(def.Status.Capture) > 0 {
			next.Params = map[string]string{}
		}
		for param, path := range def.Status.Capture {
			v := gjson.GetBytes(body, path).String()
			if v == "" {
				return job, schemaDrift(def, job.ID, "completed job has no %s at %q", param, path)
			}
			next.Params[param] = v
		}
	case domain.JobFailed:
		if def.Status.FailureReasonPath != "" {
			next.FailureReason = gjson.GetBytes(body, def.Status.FailureReasonPath).String()
		}
	}

	if err := next.Transition(status); err != nil {
		return job, err
	}
	if !next.Status.Terminal() && next.Attempts >= def.MaxPollAttempts {
		if err := next.Transition(domain.JobTimedOut); err != nil {
			return job, err
		}
	}

	logger.Info("engine: job polled",
		"retailer", def.Retailer,
		"report_type", def.ReportType,
		"job_id", next.ID,
		"remote_status", next.RemoteStatus,
		"status", string(next.Status),
		"attempt", next.Attempts,
	)
	return next, nil
}
