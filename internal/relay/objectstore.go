package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStoreConfig configures the S3-compatible bucket blob
// ciphertext lives in (spec.md §6 environment variables).
type ObjectStoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectStore presigns PUT/GET URLs and performs the mark+sweep GC's
// delete step against the bucket.
type ObjectStore struct {
	bucket   string
	client   *s3.Client
	presign  *s3.PresignClient
}

const presignTTL = 5 * time.Minute

// NewObjectStore builds an ObjectStore from cfg.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &ObjectStore{
		bucket:  cfg.Bucket,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// PresignPut returns a 5-minute PUT URL with Content-Length pinned to
// contentLength (object-store contract, spec.md §6).
func (o *ObjectStore) PresignPut(ctx context.Context, path string, contentLength int64) (string, error) {
	req, err := o.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(path),
		ContentLength: aws.Int64(contentLength),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return "", fmt.Errorf("relay: presign put: %w", err)
	}
	return req.URL, nil
}

// PresignGet returns a 5-minute GET URL.
func (o *ObjectStore) PresignGet(ctx context.Context, path string) (string, error) {
	req, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return "", fmt.Errorf("relay: presign get: %w", err)
	}
	return req.URL, nil
}

// Delete removes an object. Used by the GC sweep phase; missing
// objects are not an error since the store is allowed to run ahead of
// the blob table (spec.md §5: "orphan ciphertext... never dangling
// reference").
func (o *ObjectStore) Delete(ctx context.Context, path string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("relay: delete object %s: %w", path, err)
	}
	return nil
}

// ObjectPath implements the content-addressed key scheme (spec.md §5:
// "YYYYMMDD/blob_<id>_dev_<device>").
func ObjectPath(now time.Time, blobID, deviceID string) string {
	return fmt.Sprintf("%s/blob_%s_dev_%s", now.UTC().Format("20060102"), blobID, deviceID)
}
