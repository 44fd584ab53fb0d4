// Command extractor runs one report extraction from the command line.
//
//	extractor --retailer amazon_ads --report_type spCampaigns \
//	    --start_date 2025-01-01 --end_date 2025-01-31 --country_code US
//
// It exits 0 on success and 1 on any error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ignite/ecomm-report-extractor/internal/app"
	"github.com/ignite/ecomm-report-extractor/internal/config"
	"github.com/ignite/ecomm-report-extractor/internal/datanorm"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

type options struct {
	retailer     string
	reportType   string
	startDate    string
	endDate      string
	countryCode  string
	clientID     string
	clientSecret string
	refreshToken string
	configPath   string
	bucket       string
	catalogPath  string
	output       string
	resumeJob    string
	params       paramFlag
}

// paramFlag collects repeated --param key=value pairs.
type paramFlag map[string]string

func (p paramFlag) String() string { return fmt.Sprint(map[string]string(p)) }

func (p paramFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	p[strings.TrimSpace(key)] = value
	return nil
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{params: paramFlag{}}
	fs := flag.NewFlagSet("extractor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.retailer, "retailer", "", "retailer name, e.g. amazon_ads")
	fs.StringVar(&o.reportType, "report_type", "", "report type within the retailer's catalog")
	fs.StringVar(&o.startDate, "start_date", "", "first day of the window, YYYY-MM-DD")
	fs.StringVar(&o.endDate, "end_date", "", "last day of the window, YYYY-MM-DD")
	fs.StringVar(&o.countryCode, "country_code", "", "two-letter marketplace country")
	fs.StringVar(&o.clientID, "client_id", "", "OAuth2 client id (overrides config)")
	fs.StringVar(&o.clientSecret, "client_secret", "", "OAuth2 client secret (overrides config)")
	fs.StringVar(&o.refreshToken, "refresh_token", "", "OAuth2 refresh token (overrides config)")
	fs.StringVar(&o.configPath, "config_path", "config/config.yaml", "config file; defaults apply when missing")
	fs.StringVar(&o.bucket, "bucket_nm", "", "S3 bucket for results (switches storage to s3)")
	fs.StringVar(&o.catalogPath, "catalog_path", "", "report catalog YAML (overrides config)")
	fs.StringVar(&o.output, "output", "", "also write the normalized CSV here; - for stdout")
	fs.StringVar(&o.resumeJob, "resume_job", "", "download a SUCCEEDED job by id instead of submitting")
	fs.Var(o.params, "param", "extra report parameter key=value, repeatable")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.resumeJob == "" && (o.retailer == "" || o.reportType == "") {
		return nil, errors.New("--retailer and --report_type are required")
	}
	// Credential flags override one retailer's registration.
	if o.retailer == "" && (o.clientID != "" || o.clientSecret != "" || o.refreshToken != "") {
		return nil, errors.New("--client_id, --client_secret and --refresh_token need --retailer")
	}
	return o, nil
}

func (o *options) reportParams() map[string]string {
	params := make(map[string]string, len(o.params)+3)
	for k, v := range o.params {
		params[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			params[k] = v
		}
	}
	set("start_date", o.startDate)
	set("end_date", o.endDate)
	set("country_code", o.countryCode)
	return params
}

// credentialOverride layers flag credentials over the configured ones.
func (o *options) credentialOverride(cfg *config.Config) []domain.Credential {
	if o.clientID == "" && o.clientSecret == "" && o.refreshToken == "" {
		return nil
	}
	c := cfg.Credentials[o.retailer]
	if o.clientID != "" {
		c.ClientID = o.clientID
	}
	if o.clientSecret != "" {
		c.ClientSecret = o.clientSecret
	}
	if o.refreshToken != "" {
		c.RefreshToken = o.refreshToken
	}
	return []domain.Credential{{
		Retailer:           o.retailer,
		ClientID:           c.ClientID,
		ClientSecret:       c.ClientSecret,
		RefreshToken:       c.RefreshToken,
		Region:             c.Region,
		MarketplaceID:      c.MarketplaceID,
		AWSAccessKeyID:     c.AWSAccessKeyID,
		AWSSecretAccessKey: c.AWSSecretAccessKey,
	}}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "extractor:", err)
		}
		return 1
	}

	cfg, err := config.LoadOptional(o.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "extractor: load config:", err)
		return 1
	}
	if o.catalogPath != "" {
		cfg.Catalog.Path = o.catalogPath
	}
	if o.bucket != "" {
		cfg.Storage.Type = "s3"
		cfg.Storage.S3Bucket = o.bucket
	}

	a, err := app.New(ctx, cfg, app.Options{Credentials: o.credentialOverride(cfg)})
	if err != nil {
		fmt.Fprintln(stderr, "extractor:", err)
		return 1
	}
	defer a.Close()

	var results []*domain.NormalizedResult
	if o.resumeJob != "" {
		var res *domain.NormalizedResult
		res, err = a.Orchestrator.Resume(ctx, o.resumeJob)
		if res != nil {
			results = append(results, res)
		}
	} else {
		results, err = a.Orchestrator.RunRange(ctx, o.retailer, o.reportType, o.reportParams())
	}
	if err != nil {
		reportFailure(stderr, o, err)
		return 1
	}

	rows := 0
	for _, res := range results {
		rows += len(res.Records)
		fmt.Fprintf(stderr, "extracted job=%s rows=%d window=%s..%s\n",
			res.JobID, len(res.Records), res.Metadata.StartDate, res.Metadata.EndDate)
	}
	if o.output != "" {
		if err := writeOutput(o.output, stdout, results); err != nil {
			fmt.Fprintln(stderr, "extractor: write output:", err)
			return 1
		}
	}
	fmt.Fprintf(stderr, "done: %d window(s), %d row(s), stored to %s\n", len(results), rows, a.Storage.Name())
	return 0
}

// reportFailure prints one line naming the error kind and where it happened.
func reportFailure(w io.Writer, o *options, err error) {
	retailer, reportType, jobID := o.retailer, o.reportType, o.resumeJob
	kind, cause := domain.KindOf(err), domain.CauseKind(err)
	if e, ok := domain.AsError(err); ok {
		if e.Retailer != "" {
			retailer, reportType = e.Retailer, e.ReportType
		}
		if e.JobID != "" {
			jobID = e.JobID
		}
	}
	if kind == "" {
		kind = "error"
	}
	fmt.Fprintf(w, "extraction failed: kind=%s cause=%s retailer=%s report_type=%s job_id=%s: %v\n",
		kind, cause, retailer, reportType, jobID, err)
}

func writeOutput(path string, stdout io.Writer, results []*domain.NormalizedResult) error {
	if len(results) == 0 {
		return nil
	}
	merged := *results[0]
	merged.Records = append([][]any(nil), results[0].Records...)
	for _, res := range results[1:] {
		merged.Append(res)
	}

	if path == "-" {
		return datanorm.WriteCSV(stdout, &merged)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := datanorm.WriteCSV(f, &merged); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
