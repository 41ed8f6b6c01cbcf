// Package secret resolves the service-account reference from configuration
// into the JSON key material.
package secret

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var (
	// ErrEmptyReference is returned when no reference is given.
	ErrEmptyReference = errors.New("secret reference is empty")

	// ErrNotFound is returned when the referenced object does not exist.
	ErrNotFound = errors.New("secret not found")
)

// GetObjectAPI is the S3 GetObject operation.
// Used for testing with mock implementations.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// AWSConfig holds the settings used to build the S3 client.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Loader resolves references. The S3 client is created on first use, so
// configurations without an s3:// reference never touch AWS.
type Loader struct {
	aws AWSConfig

	once    sync.Once
	client  GetObjectAPI
	initErr error
}

// NewLoader creates a Loader that builds its S3 client from cfg.
func NewLoader(cfg AWSConfig) *Loader {
	return &Loader{aws: cfg}
}

// NewLoaderWithClient creates a Loader with a custom S3 client, used for testing.
func NewLoaderWithClient(client GetObjectAPI) *Loader {
	l := &Loader{client: client}
	l.once.Do(func() {})
	return l
}

// Resolve returns the bytes behind ref:
//   - inline JSON (starting with "{") as-is
//   - s3://bucket/key from S3
//   - file://path or a plain path from disk
func (l *Loader) Resolve(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, ErrEmptyReference
	case strings.HasPrefix(ref, "{"):
		return []byte(ref), nil
	case strings.HasPrefix(ref, "s3://"):
		return l.fromS3(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		return readFile(strings.TrimPrefix(ref, "file://"))
	default:
		return readFile(ref)
	}
}

func (l *Loader) fromS3(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 reference: %w", err)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 reference %q: want s3://bucket/key", ref)
	}

	client, err := l.s3Client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	return data, nil
}

func (l *Loader) s3Client(ctx context.Context) (GetObjectAPI, error) {
	l.once.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error

		if l.aws.Region != "" {
			opts = append(opts, awsconfig.WithRegion(l.aws.Region))
		}
		if l.aws.AccessKeyID != "" && l.aws.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(l.aws.AccessKeyID, l.aws.SecretAccessKey, ""),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			l.initErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		l.client = s3.NewFromConfig(awsCfg)
	})
	return l.client, l.initErr
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
