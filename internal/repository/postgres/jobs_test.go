package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

func newRepo(t *testing.T) (*JobRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewJobRepo(db), mock
}

var (
	created = time.Date(2025, 1, 30, 8, 0, 0, 0, time.UTC)
	polled  = created.Add(2 * time.Minute)
)

var jobCols = []string{
	"id", "retailer", "report_type", "params", "status", "attempts", "created_at",
	"last_polled_at", "result_locations", "remote_status", "failure_reason", "synchronous",
}

func TestSaveUpsertsJob(t *testing.T) {
	repo, mock := newRepo(t)
	job := domain.NewReportJob("amzn1.report.1", "amazon_ads", "spCampaigns",
		map[string]string{"country_code": "US"}, created)
	job.Status = domain.JobSucceeded
	job.Attempts = 3
	job.LastPolledAt = &polled
	job.ResultLocations = []string{"https://example.com/a.json.gz"}
	job.RemoteStatus = "COMPLETED"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO report_jobs")).
		WithArgs("amzn1.report.1", "amazon_ads", "spCampaigns", []byte(`{"country_code":"US"}`), "SUCCEEDED", 3, created,
			polled, `{"https://example.com/a.json.gz"}`, "COMPLETED", "", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWrapsErrors(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectExec("INSERT INTO report_jobs").WillReturnError(errors.New("connection reset"))

	err := repo.Save(context.Background(), domain.NewReportJob("j1", "walmart", "item_performance", nil, created))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save report job j1")
}

func TestGetScansJob(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM report_jobs WHERE id = $1")).
		WithArgs("amzn1.report.1").
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			"amzn1.report.1", "amazon_ads", "spCampaigns", []byte(`{"country_code":"US","start_date":"2025-01-01"}`),
			"SUCCEEDED", 3, created, polled, `{"https://example.com/a.json.gz","https://example.com/b.json.gz"}`,
			"COMPLETED", "", false))

	job, err := repo.Get(context.Background(), "amzn1.report.1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "2025-01-01", job.Params["start_date"])
	require.NotNil(t, job.LastPolledAt)
	assert.True(t, polled.Equal(*job.LastPolledAt))
	assert.Equal(t, []string{"https://example.com/a.json.gz", "https://example.com/b.json.gz"}, job.ResultLocations)
}

func TestGetUnknownJob(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery("FROM report_jobs").WithArgs("missing").WillReturnRows(sqlmock.NewRows(jobCols))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestListAppliesFilters(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("AND retailer = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("walmart", "FAILED", 10, 20).
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("w2", "walmart", "item_performance", nil, "FAILED", 2, created.Add(time.Hour), nil, nil, "ERROR", "quota", false).
			AddRow("w1", "walmart", "item_performance", nil, "FAILED", 1, created, nil, nil, "ERROR", "quota", false))

	jobs, err := repo.List(context.Background(), ListFilter{Retailer: "walmart", Status: domain.JobFailed, Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "w2", jobs[0].ID)
	assert.Nil(t, jobs[0].LastPolledAt)
	assert.Empty(t, jobs[0].ResultLocations)
	assert.Equal(t, "quota", jobs[1].FailureReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDefaultsLimit(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 ORDER BY created_at DESC LIMIT $1 OFFSET $2")).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(jobCols))

	jobs, err := repo.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
