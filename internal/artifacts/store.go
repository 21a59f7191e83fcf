// Package artifacts persists scrape results and screenshot previews to a
// local directory or an S3 bucket.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store writes one directory (or key prefix) per job.
type Store struct {
	up           uploader
	previewWidth int
}

// document is what lands in result.json; the raw screenshot is stored next
// to it instead of inline.
type document struct {
	JobID       string         `json:"job_id"`
	Type        string         `json:"type,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Attempt     int            `json:"attempt"`
	Message     string         `json:"message"`
	EntityName  string         `json:"entity_name,omitempty"`
	EntityType  string         `json:"entity_type,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Screenshot  string         `json:"screenshot,omitempty"`
	Preview     string         `json:"preview,omitempty"`
}

// New picks S3 when a bucket is configured and a local directory otherwise.
// It returns nil, nil when neither is configured.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	width := cfg.PreviewWidth
	if width <= 0 {
		width = 320
	}
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Store{up: &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}, previewWidth: width}, nil
	}
	if cfg.ArtifactDir != "" {
		return &Store{up: &localUploader{baseDir: cfg.ArtifactDir}, previewWidth: width}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Save stores the result document for one successful attempt and returns
// its location, which ends up in the job's result_ref.
func (s *Store) Save(ctx context.Context, job models.Job, res models.JobResult) (string, error) {
	prefix := sanitizeKey(job.ID)
	if prefix == "" || prefix == "." {
		return "", errors.New("job id is required")
	}

	doc := document{
		JobID:       job.ID,
		Type:        job.Type,
		RequestedBy: job.RequestedBy,
		Attempt:     job.AttemptCount,
		Message:     res.Message,
		EntityName:  res.EntityName,
		EntityType:  res.EntityType,
		Data:        res.Data,
	}

	if len(res.Screenshot) > 0 {
		shotRef, previewRef, err := s.saveScreenshot(ctx, prefix, res.Screenshot)
		if err != nil {
			return "", err
		}
		doc.Screenshot = shotRef
		doc.Preview = previewRef
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	ref, err := s.up.Upload(ctx, path.Join(prefix, "result.json"), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload result: %w", err)
	}
	return ref, nil
}

func (s *Store) saveScreenshot(ctx context.Context, prefix string, raw []byte) (string, string, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", "", fmt.Errorf("decode screenshot: %w", err)
	}
	outFormat := chooseFormat(format)

	shotRef, err := s.up.Upload(ctx, path.Join(prefix, "screenshot."+formatExtension(outFormat)), raw, mimeForFormat(outFormat))
	if err != nil {
		return "", "", fmt.Errorf("upload screenshot: %w", err)
	}

	width := s.previewWidth
	if img.Bounds().Dx() < width {
		width = img.Bounds().Dx()
	}
	preview := imaging.Resize(img, width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, preview, imaging.PNG); err != nil {
		return "", "", fmt.Errorf("encode preview: %w", err)
	}
	previewRef, err := s.up.Upload(ctx, path.Join(prefix, "preview.png"), buf.Bytes(), "image/png")
	if err != nil {
		return "", "", fmt.Errorf("upload preview: %w", err)
	}
	return shotRef, previewRef, nil
}

func chooseFormat(decodeFormat string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return strings.ReplaceAll(key, "..", "")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
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
