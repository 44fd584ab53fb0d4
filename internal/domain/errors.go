package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an extraction failure.
type Kind string

const (
	KindAuth              Kind = "AuthError"
	KindInvalidParameters Kind = "InvalidParametersError"
	KindUnknownReportType Kind = "UnknownReportTypeError"
	KindRateLimited       Kind = "RateLimitedError"
	KindTransient         Kind = "TransientRequestError"
	KindInvalidState      Kind = "InvalidStateError"
	KindCorruptArtifact   Kind = "CorruptArtifactError"
	KindSchemaMismatch    Kind = "SchemaMismatchError"
	KindExtractionFailed  Kind = "ExtractionFailedError"
)

// Error is the single error type the engine returns. Kind decides how the
// orchestrator reacts; the remaining fields identify what failed.
type Error struct {
	Kind       Kind
	Message    string
	Retailer   string
	ReportType string
	JobID      string
	// Code is the provider's raw error code, e.g. "invalid_grant".
	Code string
	// Fields names the offending parameters or schema columns.
	Fields []string
	// RetryAfter is the server's hint for rate-limited requests.
	RetryAfter time.Duration
	// StatusCode is the HTTP status that produced the error, if any.
	StatusCode int
	// JobStatus is the job's state when the error was raised.
	JobStatus JobStatus
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	var ctx []string
	if e.Retailer != "" {
		ctx = append(ctx, "retailer="+e.Retailer)
	}
	if e.ReportType != "" {
		ctx = append(ctx, "report_type="+e.ReportType)
	}
	if e.JobID != "" {
		ctx = append(ctx, "job_id="+e.JobID)
	}
	if e.JobStatus != "" {
		ctx = append(ctx, "status="+string(e.JobStatus))
	}
	if e.Code != "" {
		ctx = append(ctx, "code="+e.Code)
	}
	if e.StatusCode != 0 {
		ctx = append(ctx, fmt.Sprintf("http_status=%d", e.StatusCode))
	}
	if len(e.Fields) > 0 {
		ctx = append(ctx, "fields="+strings.Join(e.Fields, ","))
	}
	if len(ctx) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithJob fills in identifying fields that are still empty.
func (e *Error) WithJob(retailer, reportType, jobID string) *Error {
	if e.Retailer == "" {
		e.Retailer = retailer
	}
	if e.ReportType == "" {
		e.ReportType = reportType
	}
	if e.JobID == "" {
		e.JobID = jobID
	}
	return e
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewAuthError reports a rejected credential or token.
func NewAuthError(retailer, code string, cause error) *Error {
	return &Error{Kind: KindAuth, Message: "token rejected", Retailer: retailer, Code: code, Err: cause}
}

// NewInvalidParametersError names the missing or invalid parameter keys.
func NewInvalidParametersError(fields []string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidParameters, Message: fmt.Sprintf(format, args...), Fields: fields}
}

// NewUnknownReportTypeError reports a catalog miss.
func NewUnknownReportTypeError(retailer, reportType string) *Error {
	return &Error{
		Kind:       KindUnknownReportType,
		Message:    "no report definition registered",
		Retailer:   retailer,
		ReportType: reportType,
	}
}

// NewSchemaMismatchError names the missing and unexpected fields.
func NewSchemaMismatchError(missing, unexpected []string) *Error {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	if len(unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(unexpected, ", "))
	}
	fields := append(append([]string(nil), missing...), unexpected...)
	return &Error{Kind: KindSchemaMismatch, Message: strings.Join(parts, "; "), Fields: fields}
}

// NewExtractionFailed wraps the error that ended a run.
func NewExtractionFailed(job *ReportJob, retailer, reportType string, cause error) *Error {
	e := &Error{Kind: KindExtractionFailed, Retailer: retailer, ReportType: reportType, Err: cause}
	if job != nil {
		e.JobID = job.ID
		e.JobStatus = job.Status
	}
	if k := KindOf(cause); k != "" {
		e.Message = "run ended with " + string(k)
	}
	return e
}

// ErrJobNotFound is returned by job stores for an unknown job id.
var ErrJobNotFound = errors.New("report job not found")

// AsError returns the outermost *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// CauseKind returns the kind of the innermost *Error in err's chain, which
// for a run failure is the error that actually ended the run.
func CauseKind(err error) Kind {
	var kind Kind
	for err != nil {
		if e, ok := err.(*Error); ok {
			kind = e.Kind
		}
		err = errors.Unwrap(err)
	}
	return kind
}

// IsKind reports whether any *Error in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == k {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether backing off and repeating the failing step may
// succeed. Only rate limiting and transient request failures qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	}
	return false
}

// RetryAfter returns the server's delay hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	if e, ok := AsError(err); ok {
		return e.RetryAfter
	}
	return 0
}
