package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures an S3Archive.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional, for S3-compatible services
	AccessKey string // optional; the default credential chain is used when empty
	SecretKey string
}

// S3Archive stores chunks as objects under <prefix>/<routingHash>/<chunkID>.json.
type S3Archive struct {
	url      string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archive loads AWS configuration and creates an S3-backed archive.
func NewS3Archive(ctx context.Context, url string, opts S3Options) (*S3Archive, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(opts.Endpoint))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// Path-style addressing for MinIO and other S3-compatible services
		o.UsePathStyle = opts.Endpoint != ""
	})
	return newS3Archive(url, opts, client), nil
}

func newS3Archive(url string, opts S3Options, client *s3.Client) *S3Archive {
	return &S3Archive{
		url:      url,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

// URL returns the archive's node URL.
func (a *S3Archive) URL() string { return a.url }

func (a *S3Archive) hashPrefix(routingHash string) string {
	return path.Join(a.prefix, routingHash) + "/"
}

func (a *S3Archive) key(routingHash, chunkID string) string {
	return a.hashPrefix(routingHash) + chunkID + chunkFileExt
}

// Put uploads data for a chunk.
func (a *S3Archive) Put(ctx context.Context, routingHash, chunkID string, data []byte) error {
	if err := validName(routingHash); err != nil {
		return err
	}
	if err := validName(chunkID); err != nil {
		return err
	}
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key(routingHash, chunkID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading chunk %s: %w", chunkID, err)
	}
	return nil
}

// Get downloads a chunk object.
func (a *S3Archive) Get(ctx context.Context, routingHash, chunkID string) ([]byte, error) {
	if err := validName(routingHash); err != nil {
		return nil, err
	}
	if err := validName(chunkID); err != nil {
		return nil, err
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(routingHash, chunkID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("downloading chunk %s: %w", chunkID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %s: %w", chunkID, err)
	}
	return data, nil
}

// List pages through the objects under routingHash.
func (a *S3Archive) List(ctx context.Context, routingHash string) ([]string, error) {
	if err := validName(routingHash); err != nil {
		return nil, err
	}
	prefix := a.hashPrefix(routingHash)
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})

	ids := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, chunkFileExt) {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, chunkFileExt))
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// ValidateSetup checks that the bucket exists and is accessible.
func (a *S3Archive) ValidateSetup(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", a.bucket, err)
	}
	return nil
}

// Compile-time check that S3Archive implements Archive
var _ Archive = (*S3Archive)(nil)
