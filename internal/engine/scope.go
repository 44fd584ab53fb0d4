package engine

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// ScopeResolver looks up the account scope a retailer requires before a
// report can be requested, such as the Amazon Ads profile id for a country.
type ScopeResolver struct {
	client *Client
}

func NewScopeResolver(client *Client) *ScopeResolver {
	return &ScopeResolver{client: client}
}

// Needed reports whether Resolve would issue a request for params.
func (s *ScopeResolver) Needed(def *catalog.Definition, params map[string]string) bool {
	lookup := def.Profile.ScopeLookup
	if lookup == nil {
		return false
	}
	return params[lookup.Param] == ""
}

// Resolve returns params with the scope parameter filled in. Params that
// already carry it are returned as is.
func (s *ScopeResolver) Resolve(ctx context.Context, def *catalog.Definition, params map[string]string, tok domain.Token) (map[string]string, error) {
	if !s.Needed(def, params) {
		return params, nil
	}
	lookup := def.Profile.ScopeLookup

	body, err := s.client.do(ctx, request{
		def:      def,
		profile:  def.Profile,
		endpoint: catalog.Endpoint{Method: "GET", URL: lookup.URL},
		token:    tok,
		vars:     params,
	})
	if err != nil {
		return nil, annotate(err, def, "")
	}

	vars := withVars(params, nil)
	if cc, ok := vars["country_code"]; ok {
		if alias, ok := lookup.CountryAliases[strings.ToUpper(cc)]; ok {
			vars["country_code"] = alias
		}
	}

	items := gjson.ParseBytes(body)
	if lookup.ItemsPath != "" {
		items = items.Get(lookup.ItemsPath)
	}
	if !items.IsArray() {
		return nil, schemaDrift(def, "", "scope listing is not an array")
	}

	for _, item := range items.Array() {
		if !matches(item, lookup.Match, vars) {
			continue
		}
		v := item.Get(lookup.ValuePath).String()
		if v == "" {
			continue
		}
		logger.Info("engine: scope resolved",
			"retailer", def.Retailer, "report_type", def.ReportType, lookup.Param, v)
		return withVars(params, map[string]string{lookup.Param: v}), nil
	}

	fields := []string{lookup.Param}
	if _, ok := params["country_code"]; ok {
		fields = []string{"country_code"}
	}
	return nil, annotate(domain.NewInvalidParametersError(fields, "no %s matches the requested account", lookup.Param), def, "")
}

// matches compares every criterion whose template can be expanded.
// Criteria referring to a parameter the run does not have are skipped.
func matches(item gjson.Result, criteria map[string]string, vars map[string]string) bool {
	for path, tmpl := range criteria {
		want, err := catalog.Expand(tmpl, vars)
		if err != nil {
			continue
		}
		if !strings.EqualFold(item.Get(path).String(), want) {
			return false
		}
	}
	return true
}
