package catalog

import (
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Placeholders returns the distinct {name} placeholders in tmpl, sorted.
func Placeholders(tmpl string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}

func checkVars(tmpl string, vars map[string]string) error {
	var missing []string
	for _, name := range Placeholders(tmpl) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return domain.NewInvalidParametersError(missing, "template references unset parameters")
	}
	return nil
}

func expand(tmpl string, vars map[string]string, escape func(string) string) (string, error) {
	if err := checkVars(tmpl, vars); err != nil {
		return "", err
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		return escape(vars[m[1:len(m)-1]])
	}), nil
}

// Expand substitutes vars into tmpl verbatim. Used for header values.
func Expand(tmpl string, vars map[string]string) (string, error) {
	return expand(tmpl, vars, func(s string) string { return s })
}

// ExpandURL substitutes vars into a URL template, path-escaping values
// before the query string and query-escaping them after it.
func ExpandURL(tmpl string, vars map[string]string) (string, error) {
	if err := checkVars(tmpl, vars); err != nil {
		return "", err
	}
	path, query, hasQuery := strings.Cut(tmpl, "?")
	p, _ := expand(path, vars, url.PathEscape)
	if !hasQuery {
		return p, nil
	}
	q, _ := expand(query, vars, url.QueryEscape)
	return p + "?" + q, nil
}

// ExpandJSON substitutes vars into a JSON body template, escaping values so
// that placeholders inside JSON strings stay valid.
func ExpandJSON(tmpl string, vars map[string]string) (string, error) {
	return expand(tmpl, vars, jsonEscape)
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
