package engine

import (
	"maps"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

// DateLayout is the wire format of start_date and end_date.
const DateLayout = "2006-01-02"

var countryCodeRe = regexp.MustCompile(`^[A-Z]{2}$`)

// NormalizeParams trims values and upper-cases country_code. The input is
// not modified.
func NormalizeParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = strings.TrimSpace(v)
	}
	if cc, ok := out["country_code"]; ok {
		out["country_code"] = strings.ToUpper(cc)
	}
	return out
}

// ValidateParams checks params against def before any network call.
func ValidateParams(def *catalog.Definition, params map[string]string) error {
	if missing := def.MissingParams(params); len(missing) > 0 {
		return annotate(domain.NewInvalidParametersError(missing, "missing required parameters"), def, "")
	}

	var invalid []string
	var start, end time.Time
	var err error
	if v, ok := params["start_date"]; ok {
		if start, err = time.Parse(DateLayout, v); err != nil {
			invalid = append(invalid, "start_date")
		}
	}
	if v, ok := params["end_date"]; ok {
		if end, err = time.Parse(DateLayout, v); err != nil {
			invalid = append(invalid, "end_date")
		}
	}
	if v, ok := params["country_code"]; ok && !countryCodeRe.MatchString(v) {
		invalid = append(invalid, "country_code")
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return annotate(domain.NewInvalidParametersError(invalid, "dates must be YYYY-MM-DD and country_code a two letter ISO code"), def, "")
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return annotate(domain.NewInvalidParametersError([]string{"start_date", "end_date"}, "start_date is after end_date"), def, "")
	}
	return nil
}

func withVars(params map[string]string, extra map[string]string) map[string]string {
	out := maps.Clone(params)
	if out == nil {
		out = map[string]string{}
	}
	maps.Copy(out, extra)
	return out
}

// stringsAt reads a string or an array of strings at path.
func stringsAt(body []byte, path string) []string {
	r := gjson.GetBytes(body, path)
	if !r.Exists() {
		return nil
	}
	if r.IsArray() {
		var out []string
		for _, v := range r.Array() {
			if s := v.String(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := r.String(); s != "" {
		return []string{s}
	}
	return nil
}

// annotate fills in the definition and job identity on a domain error.
func annotate(err error, def *catalog.Definition, jobID string) error {
	if e, ok := domain.AsError(err); ok {
		e.WithJob(def.Retailer, def.ReportType, jobID)
	}
	return err
}

func schemaDrift(def *catalog.Definition, jobID, format string, args ...any) error {
	e := domain.NewError(domain.KindSchemaMismatch, format, args...)
	return annotate(e, def, jobID)
}

// Window is an inclusive date range.
type Window struct {
	Start string
	End   string
}

// SplitRange cuts [start, end] into consecutive windows of at most maxDays
// days. Without both dates the range is returned whole.
func SplitRange(start, end string, maxDays int) ([]Window, error) {
	if start == "" || end == "" {
		return []Window{{Start: start, End: end}}, nil
	}
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, domain.NewInvalidParametersError([]string{"start_date"}, "start_date must be YYYY-MM-DD")
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return nil, domain.NewInvalidParametersError([]string{"end_date"}, "end_date must be YYYY-MM-DD")
	}
	if e.Before(s) {
		return nil, domain.NewInvalidParametersError([]string{"start_date", "end_date"}, "start_date is after end_date")
	}
	if maxDays <= 0 {
		maxDays = catalog.DefaultMaxRangeDays
	}

	var out []Window
	for cur := s; !cur.After(e); cur = cur.AddDate(0, 0, maxDays) {
		last := cur.AddDate(0, 0, maxDays-1)
		if last.After(e) {
			last = e
		}
		out = append(out, Window{Start: cur.Format(DateLayout), End: last.Format(DateLayout)})
	}
	return out, nil
}
