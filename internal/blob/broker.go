// Package blob wraps the S3-compatible object store behind the capability
// surface the coordinators need: presigned single-object and part URLs,
// multipart session management and a server-side streaming fallback.
package blob

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/monitoring"
)

// observe times one object-store round trip. Presign calls are local signature
// computations and are not observed.
func observe(op string) func() {
	start := time.Now()
	return func() {
		monitoring.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// CompletedPart pairs a part number with the etag the object store returned
// for it.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// Broker is the object-store contract. Every method fails with an errdefs
// kind: NotFound for missing objects or expired multipart sessions,
// InvalidParameter for part lists the store rejects, Unavailable otherwise.
type Broker interface {
	SignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	SignGet(ctx context.Context, key string, ttl time.Duration, downloadFilename string) (string, error)
	StartMultipart(ctx context.Context, key string) (string, error)
	SignPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	Delete(ctx context.Context, key string) error
	StreamGet(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Size(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

// Config holds the S3 backend coordinates.
type Config struct {
	Endpoint           string
	Region             string
	Bucket             string
	AccessKeyID        string
	SecretKey          string
	ForcePathStyle     bool
	InsecureSkipVerify bool // Only for development/testing
}

// S3Broker implements Broker on aws-sdk-go-v2.
type S3Broker struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *logrus.Entry
}

// NewS3Broker creates a broker against the configured bucket.
func NewS3Broker(cfg *Config) (*S3Broker, error) {
	httpClient := http.DefaultClient
	if cfg.InsecureSkipVerify {
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, // #nosec G402 - self-signed certificates in development
				},
			},
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretKey,
			"",
		)),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Broker{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  logrus.WithField("component", "blob-broker"),
	}, nil
}

// classify maps an SDK error onto the errdefs kinds. The S3 error codes here
// are the ones the upload coordinator inspects during completion.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchUpload", "NotFound":
			return errdefs.NotFound(err)
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
			return errdefs.InvalidParameter(err)
		}
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return errdefs.NotFound(err)
	}
	var noUpload *types.NoSuchUpload
	if errors.As(err, &noUpload) {
		return errdefs.NotFound(err)
	}
	return errdefs.Unavailable(err)
}

func (b *S3Broker) SignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := b.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(err)
	}
	return req.URL, nil
}

func (b *S3Broker) SignGet(ctx context.Context, key string, ttl time.Duration, downloadFilename string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if downloadFilename != "" {
		input.ResponseContentDisposition = aws.String(contentDisposition(downloadFilename))
	}
	req, err := b.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(err)
	}
	return req.URL, nil
}

func (b *S3Broker) StartMultipart(ctx context.Context, key string) (string, error) {
	defer observe("CreateMultipartUpload")()
	out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", classify(err)
	}
	uploadID := aws.ToString(out.UploadId)
	b.logger.WithFields(logrus.Fields{
		"key":      key,
		"uploadID": uploadID,
	}).Debug("Created multipart upload")
	return uploadID, nil
}

func (b *S3Broker) SignPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	req, err := b.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(err)
	}
	return req.URL, nil
}

func (b *S3Broker) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}
	// The store requires ascending part numbers.
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	defer observe("CompleteMultipartUpload")()
	_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"key":      key,
			"uploadID": uploadID,
			"parts":    len(parts),
		}).Warn("Failed to complete multipart upload")
		return classify(err)
	}
	b.logger.WithFields(logrus.Fields{
		"key":   key,
		"parts": len(parts),
	}).Debug("Completed multipart upload")
	return nil
}

func (b *S3Broker) AbortMultipart(ctx context.Context, key, uploadID string) error {
	defer observe("AbortMultipartUpload")()
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		err = classify(err)
		if errdefs.IsNotFound(err) {
			// Session already gone, nothing to abort.
			return nil
		}
		return err
	}
	return nil
}

func (b *S3Broker) Delete(ctx context.Context, key string) error {
	defer observe("DeleteObject")()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classify(err)
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (b *S3Broker) StreamGet(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	defer observe("GetObject")()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, classify(err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (b *S3Broker) Size(ctx context.Context, key string) (int64, error) {
	defer observe("HeadObject")()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, classify(err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (b *S3Broker) Ping(ctx context.Context) error {
	defer observe("HeadBucket")()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// contentDisposition renders an attachment header value for a signed GET URL.
// Quotes and control characters are stripped rather than encoded; the
// filename is advisory only.
func contentDisposition(filename string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 {
			return -1
		}
		return r
	}, filename)
	return fmt.Sprintf("attachment; filename=%q", clean)
}
