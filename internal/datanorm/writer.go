package datanorm

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

// WriteCSV writes res with a header row of canonical field names.
func WriteCSV(w io.Writer, res *domain.NormalizedResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(res.FieldNames()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(res.Fields))
	for i, rec := range res.Records {
		for j, f := range res.Fields {
			var v any
			if j < len(rec) {
				v = rec[j]
			}
			row[j] = FormatValue(v, f.Type)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
