// Package objectstore moves archive files to and from S3. Uploads use a
// fixed multipart chunk size so the checksum package can predict the
// resulting composite ETag without a second round trip.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options configures the S3 client.
type Options struct {
	Region    string
	Endpoint  string // custom endpoint for minio-style deployments, optional
	PathStyle bool
	ChunkSize int64 // multipart part size; also the composite-hash chunk size
}

// Client wraps the S3 SDK for archive transfer.
type Client struct {
	api       *s3.Client
	chunkSize int64
}

// New builds a client from ambient AWS credentials.
func New(ctx context.Context, opts Options) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = 8 * 1024 * 1024
	}
	return &Client{api: api, chunkSize: chunk}, nil
}

// ChunkSize returns the multipart part size in use.
func (c *Client) ChunkSize() int64 { return c.chunkSize }

// Upload transfers a local file to bucket/key and returns the remote ETag
// with surrounding quotes stripped. Files larger than one chunk go up as
// fixed-size multipart uploads.
func (c *Client) Upload(ctx context.Context, localPath, bucket, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	up := manager.NewUploader(c.api, func(u *manager.Uploader) {
		u.PartSize = c.chunkSize
	})
	out, err := up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}

	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	if etag == "" {
		// Some endpoints omit the ETag from the upload response; fetch it.
		head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return "", fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
		}
		etag = strings.Trim(aws.ToString(head.ETag), `"`)
	}
	return etag, nil
}

// Download fetches bucket/key into localPath.
func (c *Client) Download(ctx context.Context, bucket, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()

	dl := manager.NewDownloader(c.api, func(d *manager.Downloader) {
		d.PartSize = c.chunkSize
	})
	if _, err := dl.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
