package datanorm

import (
	"sort"
	"strings"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
)

const utf8BOM = "\ufeff"

// normalizeHeader makes header cells comparable: trimmed, lower-case, quotes
// and byte order mark removed.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, utf8BOM)
	h = strings.TrimSpace(h)
	h = strings.Trim(h, "\"'")
	return strings.ToLower(strings.TrimSpace(h))
}

// columnMapping resolves each schema field to a column index, -1 when an
// optional field is absent.
type columnMapping struct {
	index []int
}

// mapColumns matches a CSV header row against the schema. Sources are
// compared case-insensitively.
func mapColumns(header []string, schema []catalog.FieldSpec, strict bool) (*columnMapping, []string, []string) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		key := normalizeHeader(h)
		if _, dup := pos[key]; !dup {
			pos[key] = i
		}
	}

	m := &columnMapping{index: make([]int, len(schema))}
	known := make(map[string]bool, len(schema))
	var missing []string
	for i, f := range schema {
		key := normalizeHeader(f.Source)
		known[key] = true
		idx, ok := pos[key]
		if !ok {
			idx = -1
			if !f.Optional {
				missing = append(missing, f.Source)
			}
		}
		m.index[i] = idx
	}

	var unexpected []string
	if strict {
		for _, h := range header {
			if key := normalizeHeader(h); key != "" && !known[key] {
				unexpected = append(unexpected, strings.TrimSpace(strings.TrimPrefix(h, utf8BOM)))
			}
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return m, missing, unexpected
}
