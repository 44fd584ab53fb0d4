// Package datanorm turns downloaded report artifacts into canonical,
// typed records in schema order.
package datanorm

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// Normalizer is stateless apart from its clock; the same artifact always
// produces the same records.
type Normalizer struct {
	now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// WithClock returns a copy of n that stamps results using now.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize parses every part of art in order and maps it onto the
// definition's schema.
func (n *Normalizer) Normalize(art *domain.RawArtifact, def *catalog.Definition, job *domain.ReportJob) (*domain.NormalizedResult, error) {
	res := &domain.NormalizedResult{
		Fields:      def.Fields(),
		Records:     [][]any{},
		ExtractedAt: n.now().UTC(),
		Metadata: domain.ResultMetadata{
			Retailer:   def.Retailer,
			ReportType: def.ReportType,
		},
	}
	if job != nil {
		res.JobID = job.ID
		res.Metadata.CountryCode = job.Params["country_code"]
		res.Metadata.StartDate = job.Params["start_date"]
		res.Metadata.EndDate = job.Params["end_date"]
	}
	if art == nil {
		return nil, domain.NewError(domain.KindCorruptArtifact, "no artifact")
	}
	if res.JobID == "" {
		res.JobID = art.JobID
	}

	format := art.Format
	if format == "" {
		format = def.Artifact.Format
	}

	for i, part := range art.Parts {
		var (
			records [][]any
			err     error
		)
		switch format {
		case domain.FormatCSV:
			records, err = n.csvRecords(part.Data, def)
		case domain.FormatJSON:
			records, err = n.jsonRecords(part.Data, def)
		default:
			err = domain.NewError(domain.KindCorruptArtifact, "unsupported artifact format %q", format)
		}
		if err != nil {
			if e, ok := domain.AsError(err); ok && len(art.Parts) > 1 {
				e.Message = fmt.Sprintf("part %d: %s", i+1, e.Message)
			}
			return nil, err
		}
		res.Records = append(res.Records, records...)
	}
	res.Metadata.RowCount = len(res.Records)

	logger.Debug("datanorm: artifact normalized",
		"retailer", def.Retailer, "report_type", def.ReportType, "job_id", res.JobID,
		"parts", len(art.Parts), "rows", res.Metadata.RowCount)
	return res, nil
}

func (n *Normalizer) csvRecords(data []byte, def *catalog.Definition) ([][]any, error) {
	art := def.Artifact
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.Comma = delimiter(art.Delimiter)

	var rows [][]string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindCorruptArtifact, Message: "unreadable CSV", Err: err}
		}
		if blank(row) {
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) <= art.SkipHeaderRows {
		return nil, domain.NewError(domain.KindSchemaMismatch, "artifact has no header row")
	}
	rows = rows[art.SkipHeaderRows:]
	header, rows := rows[0], rows[1:]
	if art.SkipFooterRows > 0 {
		if art.SkipFooterRows >= len(rows) {
			rows = nil
		} else {
			rows = rows[:len(rows)-art.SkipFooterRows]
		}
	}

	mapping, missing, unexpected := mapColumns(header, def.Schema, art.StrictColumns)
	if len(missing) > 0 || len(unexpected) > 0 {
		return nil, domain.NewSchemaMismatchError(missing, unexpected)
	}

	out := make([][]any, 0, len(rows))
	for line, row := range rows {
		if len(row) != len(header) {
			return nil, domain.NewError(domain.KindSchemaMismatch,
				"row %d has %d columns, header has %d", line+1, len(row), len(header))
		}
		rec := make([]any, len(def.Schema))
		for i, f := range def.Schema {
			idx := mapping.index[i]
			if idx < 0 {
				continue
			}
			v, err := convert(row[idx], f)
			if err != nil {
				return nil, conversionError(line+1, f, row[idx], err)
			}
			rec[i] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

func (n *Normalizer) jsonRecords(data []byte, def *catalog.Definition) ([][]any, error) {
	items, err := jsonItems(data, def.Artifact.RecordsPath)
	if err != nil {
		return nil, err
	}

	out := make([][]any, 0, len(items))
	var missing, unexpected []string
	for line, item := range items {
		if !item.IsObject() {
			return nil, domain.NewError(domain.KindSchemaMismatch, "record %d is not an object", line+1)
		}
		if def.Artifact.StrictColumns {
			unexpected = appendUnexpected(unexpected, item, def.Schema)
		}
		rec := make([]any, len(def.Schema))
		for i, f := range def.Schema {
			v := item.Get(f.Source)
			if !v.Exists() {
				if !f.Optional {
					missing = appendOnce(missing, f.Source)
				}
				continue
			}
			raw := scalar(v)
			val, err := convert(raw, f)
			if err != nil {
				return nil, conversionError(line+1, f, raw, err)
			}
			rec[i] = val
		}
		out = append(out, rec)
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(missing)
		sort.Strings(unexpected)
		return nil, domain.NewSchemaMismatchError(missing, unexpected)
	}
	return out, nil
}

// jsonItems locates the record array. Newline-delimited JSON is accepted
// when the payload is not a single document.
func jsonItems(data []byte, recordsPath string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		var items []gjson.Result
		valid := true
		gjson.ForEachLine(string(data), func(line gjson.Result) bool {
			if strings.TrimSpace(line.Raw) == "" {
				return true
			}
			if !gjson.Valid(line.Raw) {
				valid = false
				return false
			}
			items = append(items, line)
			return true
		})
		if !valid || len(items) == 0 {
			return nil, domain.NewError(domain.KindCorruptArtifact, "artifact is not valid JSON")
		}
		return items, nil
	}

	root := gjson.ParseBytes(data)
	if recordsPath != "" {
		root = root.Get(recordsPath)
		if !root.Exists() {
			return nil, domain.NewSchemaMismatchError([]string{recordsPath}, nil)
		}
	}
	if !root.IsArray() {
		return nil, domain.NewError(domain.KindSchemaMismatch, "records are not an array")
	}
	return root.Array(), nil
}

func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.Number:
		return v.Raw
	case gjson.String:
		return v.Str
	default:
		return v.String()
	}
}

func appendUnexpected(acc []string, item gjson.Result, schema []catalog.FieldSpec) []string {
	known := make(map[string]bool, len(schema))
	for _, f := range schema {
		top, _, _ := strings.Cut(f.Source, ".")
		known[top] = true
	}
	item.ForEach(func(key, _ gjson.Result) bool {
		if !known[key.Str] {
			acc = appendOnce(acc, key.Str)
		}
		return true
	})
	return acc
}

func appendOnce(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func conversionError(line int, f catalog.FieldSpec, raw string, err error) error {
	return &domain.Error{
		Kind:    domain.KindSchemaMismatch,
		Message: fmt.Sprintf("record %d: cannot read %q as %s for %s", line, raw, f.Type, f.Name),
		Fields:  []string{f.Name},
		Err:     err,
	}
}

func delimiter(d string) rune {
	switch d {
	case "", ",":
		return ','
	case "\\t", "tab", "\t":
		return '\t'
	}
	return []rune(d)[0]
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
