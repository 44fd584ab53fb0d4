package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// DefaultMaxArtifactBytes bounds a single artifact part unless the
// definition sets its own limit.
const DefaultMaxArtifactBytes int64 = 1 << 30

// ObjectGetter reads s3:// artifact locations.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string, limit int64) ([]byte, error)
}

// Downloader fetches and decompresses finished report artifacts.
type Downloader struct {
	client  *Client
	objects ObjectGetter
}

// NewDownloader creates a Downloader. objects may be nil when no report
// type publishes to S3.
func NewDownloader(client *Client, objects ObjectGetter) *Downloader {
	return &Downloader{client: client, objects: objects}
}

// Download fetches every result location of a SUCCEEDED job, in order. The
// job is not modified; the URLs actually fetched are recorded on the parts.
func (d *Downloader) Download(ctx context.Context, def *catalog.Definition, job *domain.ReportJob, tok domain.Token) (*domain.RawArtifact, error) {
	if job.Status != domain.JobSucceeded {
		return nil, annotate(&domain.Error{
			Kind:      domain.KindInvalidState,
			Message:   fmt.Sprintf("cannot download a %s job", job.Status),
			JobStatus: job.Status,
		}, def, job.ID)
	}

	locations := job.ResultLocations
	if def.Download.Resolve != nil {
		resolved, err := d.resolve(ctx, def, job, tok)
		if err != nil {
			return nil, err
		}
		locations = resolved
	}
	if len(locations) == 0 {
		return nil, annotate(&domain.Error{
			Kind:      domain.KindCorruptArtifact,
			Message:   "job has no result locations",
			JobStatus: job.Status,
		}, def, job.ID)
	}

	limit := def.Download.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxArtifactBytes
	}

	art := &domain.RawArtifact{JobID: job.ID, Format: def.Artifact.Format}
	for i, loc := range locations {
		raw, err := d.fetch(ctx, def, loc, tok, limit)
		if err != nil {
			return nil, annotate(err, def, job.ID)
		}
		data, err := decompress(raw, def.Artifact.Compression)
		if err != nil {
			return nil, annotate(&domain.Error{
				Kind:    domain.KindCorruptArtifact,
				Message: fmt.Sprintf("part %d: unreadable compressed payload", i+1),
				Err:     err,
			}, def, job.ID)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, annotate(domain.NewError(domain.KindCorruptArtifact, "part %d is empty", i+1), def, job.ID)
		}
		art.Parts = append(art.Parts, domain.ArtifactPart{Location: loc, Data: data})
	}

	logger.Info("engine: artifact downloaded",
		"retailer", def.Retailer, "report_type", def.ReportType, "job_id", job.ID,
		"parts", len(art.Parts), "bytes", art.Size())
	return art, nil
}

func (d *Downloader) resolve(ctx context.Context, def *catalog.Definition, job *domain.ReportJob, tok domain.Token) ([]string, error) {
	r := def.Download.Resolve
	body, err := d.client.do(ctx, request{
		def:      def,
		profile:  def.Profile,
		endpoint: r.Endpoint,
		token:    tok,
		vars:     withVars(job.Params, map[string]string{"job_id": job.ID}),
		scoped:   true,
	})
	if err != nil {
		return nil, annotate(err, def, job.ID)
	}
	locations := stringsAt(body, r.LocationsPath)
	if len(locations) == 0 {
		return nil, schemaDrift(def, job.ID, "resolve response has no locations at %q", r.LocationsPath)
	}
	return locations, nil
}

func (d *Downloader) fetch(ctx context.Context, def *catalog.Definition, loc string, tok domain.Token, limit int64) ([]byte, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, domain.NewError(domain.KindCorruptArtifact, "invalid result location %q", redactURL(loc))
	}

	if u.Scheme == "s3" {
		if d.objects == nil {
			return nil, domain.NewError(domain.KindCorruptArtifact, "no object store configured for %s", loc)
		}
		data, err := d.objects.GetObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), limit+1)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if _, ok := domain.AsError(err); ok {
				return nil, err
			}
			return nil, &domain.Error{Kind: domain.KindTransient, Message: "read " + loc, Err: err}
		}
		if int64(len(data)) > limit {
			return nil, domain.NewError(domain.KindCorruptArtifact, "artifact exceeds %d bytes", limit)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindCorruptArtifact, "invalid result location %q", redactURL(loc))
	}
	if def.Download.Authenticated {
		req.Header.Set(def.Profile.TokenHeader, def.Profile.AuthorizationValue(tok.AccessToken))
	}

	var declared int64 = -1
	data, err := d.client.sendWith(ctx, def.Profile, req, limit+1, func(resp *http.Response) {
		declared = declaredLength(resp)
	})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, domain.NewError(domain.KindCorruptArtifact, "artifact exceeds %d bytes", limit)
	}
	if declared >= 0 && declared != int64(len(data)) {
		return nil, domain.NewError(domain.KindCorruptArtifact, "truncated artifact: got %d of %d bytes", len(data), declared)
	}
	return data, nil
}

// declaredLength returns the Content-Length of an unencoded response, or -1.
// Transport-decoded responses report a length that no longer matches.
func declaredLength(resp *http.Response) int64 {
	if resp.Uncompressed {
		return -1
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return -1
}

var gzipMagic = []byte{0x1f, 0x8b}

func decompress(data []byte, c catalog.Compression) ([]byte, error) {
	switch c {
	case catalog.CompressionNone:
		return data, nil
	case catalog.CompressionGzip:
		return gunzip(data)
	default:
		if bytes.HasPrefix(data, gzipMagic) {
			return gunzip(data)
		}
		return data, nil
	}
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
