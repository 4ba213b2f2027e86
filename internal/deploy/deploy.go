// Package deploy pushes built archives to an S3 bucket so a real
// provisioning step can pick them up.
package deploy

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nuclio/errors"
	"github.com/rs/zerolog"

	"github.com/fauxgate/fauxgate/internal/packager"
)

// objectPutter is the slice of the S3 client the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader writes deployment archives to one bucket, keyed
// <service>/<function>.zip.
type Uploader struct {
	client  objectPutter
	bucket  string
	service string
	log     zerolog.Logger
}

// NewUploader builds an uploader using the ambient AWS credential
// chain.
func NewUploader(ctx context.Context, bucket, region, service string, log zerolog.Logger) (*Uploader, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load AWS configuration")
	}
	return &Uploader{
		client:  s3.NewFromConfig(awscfg),
		bucket:  bucket,
		service: service,
		log:     log.With().Str("component", "deploy").Logger(),
	}, nil
}

// Upload pushes every artifact. The first failure aborts the batch:
// unlike packaging, a partial upload set is not a useful outcome.
func (u *Uploader) Upload(ctx context.Context, artifacts []packager.Artifact) error {
	for _, art := range artifacts {
		if err := u.uploadOne(ctx, art); err != nil {
			return errors.Wrapf(err, "upload %s", art.Function)
		}
	}
	return nil
}

func (u *Uploader) uploadOne(ctx context.Context, art packager.Artifact) error {
	f, err := os.Open(art.Path)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer f.Close()

	key := u.service + "/" + art.Function + ".zip"
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String("application/zip"),
		ContentLength: aws.Int64(art.Size),
	})
	if err != nil {
		return err
	}
	u.log.Info().Str("bucket", u.bucket).Str("key", key).Int64("bytes", art.Size).
		Msg("archive uploaded")
	return nil
}
