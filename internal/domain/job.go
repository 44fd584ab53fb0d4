package domain

import (
	"fmt"
	"maps"
	"time"
)

// JobStatus enumerates the lifecycle states of a report job.
type JobStatus string

const (
	JobSubmitted  JobStatus = "SUBMITTED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
	JobTimedOut   JobStatus = "TIMED_OUT"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the canonical states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobSubmitted, JobInProgress, JobSucceeded, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

// ReportJob is a server-side report generation task.
type ReportJob struct {
	ID              string            `json:"job_id"`
	Retailer        string            `json:"retailer"`
	ReportType      string            `json:"report_type"`
	Params          map[string]string `json:"params"`
	Status          JobStatus         `json:"status"`
	Attempts        int               `json:"attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	LastPolledAt    *time.Time        `json:"last_polled_at,omitempty"`
	ResultLocations []string          `json:"result_locations,omitempty"`
	RemoteStatus    string            `json:"remote_status,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	// Synchronous is set for jobs whose submit response already carried the
	// result locations; there is no remote job to poll.
	Synchronous bool `json:"synchronous,omitempty"`
}

// NewReportJob returns a freshly submitted job with attempt count 0.
func NewReportJob(id, retailer, reportType string, params map[string]string, now time.Time) *ReportJob {
	return &ReportJob{
		ID:         id,
		Retailer:   retailer,
		ReportType: reportType,
		Params:     maps.Clone(params),
		Status:     JobSubmitted,
		CreatedAt:  now.UTC(),
	}
}

// Clone returns a deep copy, so callers can hand out snapshots.
func (j *ReportJob) Clone() *ReportJob {
	c := *j
	c.Params = maps.Clone(j.Params)
	c.ResultLocations = append([]string(nil), j.ResultLocations...)
	if j.LastPolledAt != nil {
		t := *j.LastPolledAt
		c.LastPolledAt = &t
	}
	return &c
}

// Transition moves the job to status `to`. A terminal job never changes; a
// job already IN_PROGRESS does not fall back to SUBMITTED.
func (j *ReportJob) Transition(to JobStatus) error {
	if !to.Valid() {
		return j.stateError(fmt.Sprintf("unknown status %q", to))
	}
	if j.Status.Terminal() {
		return j.stateError(fmt.Sprintf("job is %s, cannot move to %s", j.Status, to))
	}
	if j.Status == JobInProgress && to == JobSubmitted {
		return nil
	}
	j.Status = to
	return nil
}

// RecordPoll counts one status query.
func (j *ReportJob) RecordPoll(now time.Time) error {
	if j.Status.Terminal() {
		return j.stateError(fmt.Sprintf("job is %s, cannot be polled", j.Status))
	}
	t := now.UTC()
	j.Attempts++
	j.LastPolledAt = &t
	return nil
}

// Cancel moves a non-terminal job to CANCELLED.
func (j *ReportJob) Cancel() error {
	return j.Transition(JobCancelled)
}

func (j *ReportJob) stateError(msg string) *Error {
	return &Error{
		Kind:       KindInvalidState,
		Message:    msg,
		Retailer:   j.Retailer,
		ReportType: j.ReportType,
		JobID:      j.ID,
		JobStatus:  j.Status,
	}
}
