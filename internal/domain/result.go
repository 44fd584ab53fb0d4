package domain

import "time"

// ArtifactFormat is the wire format of a downloaded report.
type ArtifactFormat string

const (
	FormatCSV  ArtifactFormat = "csv"
	FormatJSON ArtifactFormat = "json"
)

// ArtifactPart is one downloaded file, already decompressed.
type ArtifactPart struct {
	Location string
	Data     []byte
}

// RawArtifact is everything downloaded for one job.
type RawArtifact struct {
	JobID  string
	Format ArtifactFormat
	Parts  []ArtifactPart
}

// Size returns the total decompressed byte count.
func (a *RawArtifact) Size() int {
	n := 0
	for _, p := range a.Parts {
		n += len(p.Data)
	}
	return n
}

// FieldType is a canonical column type.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeDecimal  FieldType = "decimal"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypeBool     FieldType = "bool"
)

// Field is one canonical column.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// ResultMetadata describes where a normalized result came from.
type ResultMetadata struct {
	Retailer    string `json:"retailer"`
	ReportType  string `json:"report_type"`
	CountryCode string `json:"country_code,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	RowCount    int    `json:"row_count"`
}

// NormalizedResult is a report in canonical form. Each record holds one value
// per field, in field order. Values are string, int64, float64,
// decimal.Decimal, time.Time, bool or nil.
type NormalizedResult struct {
	Fields      []Field        `json:"fields"`
	Records     [][]any        `json:"records"`
	JobID       string         `json:"job_id"`
	Metadata    ResultMetadata `json:"metadata"`
	ExtractedAt time.Time      `json:"extracted_at"`
}

// FieldNames returns the canonical column names in order.
func (r *NormalizedResult) FieldNames() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// Append adds the records of other, which must share the same fields.
func (r *NormalizedResult) Append(other *NormalizedResult) {
	r.Records = append(r.Records, other.Records...)
	r.Metadata.RowCount = len(r.Records)
}
