package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"adreel/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Thumbnailer archives a thumbnail of a finished render's preview frame,
// to S3 when a bucket is configured, local disk otherwise.
type Thumbnailer struct {
	httpClient *http.Client
	uploader   uploader
	width      int
	maxBytes   int64
}

// NewThumbnailer constructs the pipeline and chooses the upload target.
func NewThumbnailer(ctx context.Context, cfg config.Config) (*Thumbnailer, error) {
	timeout := cfg.ThumbDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	width := cfg.ThumbWidth
	if width == 0 {
		width = 320
	}

	var up uploader
	if cfg.ThumbS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ThumbS3Bucket}
	} else {
		baseDir := cfg.ThumbOutputDir
		if baseDir == "" {
			baseDir = "./output"
		}
		up = &localUploader{baseDir: baseDir}
	}

	return &Thumbnailer{
		httpClient: &http.Client{Timeout: timeout},
		uploader:   up,
		width:      width,
		maxBytes:   cfg.ThumbMaxBytes,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ThumbS3Region),
	}
	if cfg.ThumbS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ThumbS3Endpoint,
					HostnameImmutable: cfg.ThumbS3PathStyle,
					SigningRegion:     cfg.ThumbS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ThumbS3PathStyle
	}), nil
}

// Archive downloads the preview frame, scales it to the thumbnail width,
// and uploads it keyed by run. Returns the stored location.
func (t *Thumbnailer) Archive(ctx context.Context, runID, previewURL string) (string, error) {
	if previewURL == "" {
		return "", errors.New("preview url is empty")
	}

	data, err := t.download(ctx, previewURL)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode preview frame: %w", err)
	}
	img = imaging.Resize(img, t.width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	key := sanitizeKey(fmt.Sprintf("thumbnails/%s.jpg", runID))
	location, err := t.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}
	return location, nil
}

func (t *Thumbnailer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download preview: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download preview: status %d", resp.StatusCode)
	}

	limit := t.maxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read preview: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("preview too large (>%d bytes)", limit)
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
