// Package storage lands normalized results as CSV files, on local disk or in
// an S3 bucket, under a templated date-partitioned path.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/config"
	"github.com/ignite/ecomm-report-extractor/internal/datanorm"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// Storage is a result sink.
type Storage struct {
	config config.StorageConfig

	// s3 is set when results go to a bucket.
	s3 *S3Store
}

// New creates a Storage from config. An "s3" storage type loads AWS
// credentials from the default chain (or the configured profile).
func New(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	s := &Storage{config: cfg}
	switch cfg.Type {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("storage type s3 requires s3_bucket")
		}
		store, err := NewS3Store(ctx, cfg.S3Region, cfg.GetAWSProfile())
		if err != nil {
			return nil, err
		}
		s.s3 = store
	case "", "local":
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	return s, nil
}

// NewWithS3 creates an S3-backed Storage around an existing store.
func NewWithS3(cfg config.StorageConfig, store *S3Store) *Storage {
	return &Storage{config: cfg, s3: store}
}

// S3 returns the underlying object store, or nil for local storage.
func (s *Storage) S3() *S3Store { return s.s3 }

func (s *Storage) Name() string {
	if s.s3 != nil {
		return "s3"
	}
	return "local"
}

// Check verifies the destination is reachable: the bucket for s3, the
// directory for local storage.
func (s *Storage) Check(ctx context.Context) error {
	if s.s3 != nil {
		return s.s3.HeadBucket(ctx, s.config.S3Bucket)
	}
	info, err := os.Stat(s.config.LocalPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.config.LocalPath)
	}
	return nil
}

// Write renders res as CSV and stores it at its destination key.
func (s *Storage) Write(ctx context.Context, def *catalog.Definition, res *domain.NormalizedResult) error {
	key, err := ResultKey(s.config.PathTemplate, res)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := datanorm.WriteCSV(&buf, res); err != nil {
		return fmt.Errorf("rendering %s: %w", key, err)
	}

	if s.s3 != nil {
		if err := s.s3.Put(ctx, s.config.S3Bucket, key, buf.Bytes(), "text/csv"); err != nil {
			return err
		}
		logger.Info("storage: result uploaded", "bucket", s.config.S3Bucket, "key", key,
			"report_type", def.ReportType, "rows", res.Metadata.RowCount)
		return nil
	}

	dest := filepath.Join(s.config.LocalPath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := os.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	logger.Info("storage: result written", "path", dest, "report_type", def.ReportType, "rows", res.Metadata.RowCount)
	return nil
}

// ResultKey renders the destination of res: the path template, partitioned
// by the end date of the report window, followed by a file name that is
// stable for the same window so reruns overwrite.
func ResultKey(template string, res *domain.NormalizedResult) (string, error) {
	md := res.Metadata
	day := res.ExtractedAt
	if t, err := time.Parse(datanorm.DateLayout, md.EndDate); err == nil {
		day = t
	}
	country := md.CountryCode
	if country == "" {
		country = "ALL"
	}

	vars := map[string]string{
		"retailer":     md.Retailer,
		"report_type":  md.ReportType,
		"country_code": country,
		"year":         day.Format("2006"),
		"month":        day.Format("01"),
		"day":          day.Format("02"),
		"job_id":       res.JobID,
	}
	dir, err := catalog.Expand(template, vars)
	if err != nil {
		return "", fmt.Errorf("storage path template: %w", err)
	}

	name := md.ReportType
	if md.StartDate != "" || md.EndDate != "" {
		name += "_" + strings.Trim(md.StartDate+"_"+md.EndDate, "_")
	}
	return path.Join(strings.Trim(dir, "/"), name+".csv"), nil
}
