package snowflake

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// Extra columns appended to every loaded row.
const (
	ColumnCountryCode = "COUNTRY_CODE"
	ColumnUpdatedAt   = "LAST_UPDATED_TIMESTAMP"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*){0,2}$`)

// Loader is a result sink that inserts canonical rows into the table named
// by each definition's snowflake_table. Definitions without a table are
// skipped.
type Loader struct {
	client *Client
	now    func() time.Time
}

func NewLoader(client *Client) *Loader {
	return &Loader{client: client, now: time.Now}
}

// Name identifies the sink in logs and errors.
func (l *Loader) Name() string { return "snowflake" }

// Write loads res in a single transaction. Either every row lands or none do.
func (l *Loader) Write(ctx context.Context, def *catalog.Definition, res *domain.NormalizedResult) error {
	if def.SnowflakeTable == "" {
		return nil
	}
	if !identifierRe.MatchString(def.SnowflakeTable) {
		return fmt.Errorf("snowflake: invalid table name %q", def.SnowflakeTable)
	}
	if len(res.Records) == 0 {
		logger.Info("snowflake: nothing to load", "table", def.SnowflakeTable, "job_id", res.JobID)
		return nil
	}

	query, err := insertStatement(def.SnowflakeTable, res.Fields)
	if err != nil {
		return err
	}

	tx, err := l.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snowflake: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("snowflake: prepare: %w", err)
	}
	defer stmt.Close()

	country := res.Metadata.CountryCode
	loadedAt := l.now().UTC()
	for i, rec := range res.Records {
		if _, err := stmt.ExecContext(ctx, rowArgs(rec, country, loadedAt)...); err != nil {
			return fmt.Errorf("snowflake: insert row %d into %s: %w", i+1, def.SnowflakeTable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snowflake: commit: %w", err)
	}

	logger.Info("snowflake: rows loaded",
		"table", def.SnowflakeTable,
		"rows", len(res.Records),
		"job_id", res.JobID)
	return nil
}

func insertStatement(table string, fields []domain.Field) (string, error) {
	cols := make([]string, 0, len(fields)+2)
	for _, f := range fields {
		col := strings.ToUpper(f.Name)
		if !identifierRe.MatchString(col) || strings.Contains(col, ".") {
			return "", fmt.Errorf("snowflake: invalid column name %q", f.Name)
		}
		cols = append(cols, col)
	}
	cols = append(cols, ColumnCountryCode, ColumnUpdatedAt)

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks), nil
}

func rowArgs(rec []any, country string, loadedAt time.Time) []any {
	args := make([]any, 0, len(rec)+2)
	for _, v := range rec {
		if d, ok := v.(decimal.Decimal); ok {
			args = append(args, d.String())
			continue
		}
		args = append(args, v)
	}
	var cc any
	if country != "" {
		cc = country
	}
	return append(args, cc, loadedAt)
}
