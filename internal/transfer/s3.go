package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// S3Config describes an S3-compatible backup target.
type S3Config struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl" json:"use_ssl"`
	Concurrency     int    `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// S3Remote implements Remote over an S3 bucket. Directories are a naming
// convention: the tree structure lives in object keys.
type S3Remote struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
	logger     zerolog.Logger
}

// NewS3Remote builds the S3 client. Static credentials are required; a
// custom endpoint switches to path-style addressing for S3-compatibles.
func NewS3Remote(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Remote, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("%w: s3 credentials are required", ErrAuthFailed)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
		endpointURL := fmt.Sprintf("%s://%s", scheme, endpoint)
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	return &S3Remote{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.Concurrency = cfg.Concurrency
		}),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		logger:     logger.With().Str("component", "s3").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

func (r *S3Remote) key(parts ...string) string {
	all := append([]string{r.prefix}, parts...)
	return strings.Trim(path.Join(all...), "/")
}

// EnsureDirectory is a no-op for S3 beyond validating access: buckets have
// no directories, only key prefixes.
func (r *S3Remote) EnsureDirectory(ctx context.Context, _ string) error {
	_, err := r.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(r.bucket)})
	if err != nil {
		return r.classify(err)
	}
	return nil
}

func (r *S3Remote) UploadTree(ctx context.Context, localDir, remoteDir string) error {
	return filepath.WalkDir(localDir, func(localPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, localPath)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer f.Close()

		key := r.key(remoteDir, filepath.ToSlash(rel))
		_, err = r.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		if err != nil {
			return r.classify(fmt.Errorf("upload %s: %w", key, err))
		}
		return nil
	})
}

func (r *S3Remote) DownloadTree(ctx context.Context, remoteDir, localDir string) error {
	prefix := r.key(remoteDir) + "/"
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return r.classify(fmt.Errorf("list %s: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			target := filepath.Join(localDir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", target, err)
			}
			f, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			_, err = r.downloader.Download(ctx, f, &s3.GetObjectInput{
				Bucket: aws.String(r.bucket),
				Key:    obj.Key,
			})
			closeErr := f.Close()
			if err != nil {
				return r.classify(fmt.Errorf("download %s: %w", aws.ToString(obj.Key), err))
			}
			if closeErr != nil {
				return fmt.Errorf("close %s: %w", target, closeErr)
			}
		}
	}
	return nil
}

func (r *S3Remote) List(ctx context.Context, remotePath string) ([]Entry, error) {
	prefix := r.key(remotePath)
	if prefix != "" {
		prefix += "/"
	}
	out, err := r.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, r.classify(fmt.Errorf("list %s: %w", prefix, err))
	}
	var entries []Entry
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		entries = append(entries, Entry{Name: name, IsDir: true})
	}
	for _, obj := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		if name == "" {
			continue
		}
		entries = append(entries, Entry{Name: name, Size: aws.ToInt64(obj.Size)})
	}
	return entries, nil
}

func (r *S3Remote) Delete(ctx context.Context, remotePath string) error {
	prefix := r.key(remotePath)
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return r.classify(fmt.Errorf("list %s: %w", prefix, err))
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = r.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(r.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil {
			return r.classify(fmt.Errorf("delete under %s: %w", prefix, err))
		}
	}
	return nil
}

func (r *S3Remote) StatSize(ctx context.Context, remotePath string) (int64, error) {
	prefix := r.key(remotePath)
	var total int64
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, r.classify(fmt.Errorf("list %s: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
		}
	}
	return total, nil
}

func (r *S3Remote) Close() error {
	return nil
}

// classify maps credential rejections onto ErrAuthFailed so callers can
// distinguish them from transport failures.
func (r *S3Remote) classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "AccessDenied") ||
		strings.Contains(msg, "InvalidAccessKeyId") ||
		strings.Contains(msg, "SignatureDoesNotMatch") ||
		strings.Contains(msg, "403") {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return err
}
