package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nuclio/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fauxgate/fauxgate/internal/deploy"
	"github.com/fauxgate/fauxgate/internal/metrics"
	"github.com/fauxgate/fauxgate/internal/packager"
)

func packageCmd() *cobra.Command {
	var (
		bucket  string
		region  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Build deployment archives",
		Long: `Bundle every function and write one zip archive per function.

Each archive contains the bundled handler as index.js, its source map
as index.js.map, and any referenced assets. With --bucket the archives
are also uploaded to S3 under <service>/<function>.zip.

Examples:
  fauxgate package
  fauxgate package --bucket=my-artifacts --region=eu-west-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackage(bucket, region, verbose)
		},
	}

	cmd.Flags().StringVarP(&bucket, "bucket", "b", "", "S3 bucket to upload archives to")
	cmd.Flags().StringVarP(&region, "region", "r", "", "AWS region for the upload (default from fauxgate.yaml)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func runPackage(bucket, region string, verbose bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := packager.New(cfg, metrics.New(prometheus.DefaultRegisterer), log)
	result, err := p.PackageAll(ctx)
	if err != nil {
		errorMsg("Packaging failed: %v", err)
		return err
	}

	for _, art := range result.Artifacts {
		success("%s → %s (%d bytes)", art.Function, art.Path, art.Size)
	}
	for _, fail := range result.Failures {
		errorMsg("%s: %v", fail.Function, fail.Err)
	}
	if len(result.Failures) > 0 {
		return errors.Errorf("%d of %d functions failed to package",
			len(result.Failures), cfg.Functions.Len())
	}

	if bucket == "" {
		return nil
	}
	if region == "" {
		region = cfg.Provider.Region
	}
	uploader, err := deploy.NewUploader(ctx, bucket, region, cfg.Service, log)
	if err != nil {
		return err
	}
	if err := uploader.Upload(ctx, result.Artifacts); err != nil {
		errorMsg("Upload failed: %v", err)
		return err
	}
	success("Uploaded %d archives to s3://%s/%s/", len(result.Artifacts), bucket, cfg.Service)
	return nil
}
