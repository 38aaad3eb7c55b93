// Package storage archives audit events in an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"clinicdesk/internal/events"
	"clinicdesk/internal/worker/config"
)

const (
	archiveRoot     = "audit"
	summaryObject   = "summary.json"
	jsonContentType = "application/json"
)

var ErrInvalidDay = errors.New("storage: day must be YYYY-MM-DD")

// objectAPI is the subset of *minio.Client the archive uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

type ObjectStore struct {
	client objectAPI
	cfg    config.StorageConfig
	now    func() time.Time
}

// Summary is the per-day rollup written next to the archived events.
type Summary struct {
	Day         string         `json:"day"`
	Total       int            `json:"total"`
	ByType      map[string]int `json:"byType"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

func NewObjectStore(cfg config.StorageConfig) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return newObjectStore(client, cfg), nil
}

func newObjectStore(client objectAPI, cfg config.StorageConfig) *ObjectStore {
	return &ObjectStore{client: client, cfg: cfg, now: time.Now}
}

func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// PutEvent writes one event under audit/YYYY/MM/DD/<type>/<id>.json. Event
// ids are unique, so redelivered events overwrite their own object.
func (s *ObjectStore) PutEvent(ctx context.Context, event events.Event) error {
	if event.ID == "" || event.Type == "" {
		return fmt.Errorf("%w: id and type are required", events.ErrMalformedEvent)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := path.Join(dayPrefix(event.OccurredAt.UTC()), string(event.Type), event.ID+".json")
	return s.put(ctx, key, body)
}

// Rollup counts the events archived for day and writes summary.json under
// that day's prefix.
func (s *ObjectStore) Rollup(ctx context.Context, day string) (Summary, error) {
	date, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}
	prefix := dayPrefix(date) + "/"

	summary := Summary{Day: day, ByType: map[string]int{}}
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return Summary{}, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		eventType, _, ok := strings.Cut(strings.TrimPrefix(obj.Key, prefix), "/")
		if !ok {
			continue
		}
		summary.ByType[eventType]++
		summary.Total++
	}
	summary.GeneratedAt = s.now().UTC()

	body, err := json.Marshal(summary)
	if err != nil {
		return Summary{}, fmt.Errorf("encode summary: %w", err)
	}
	if err := s.put(ctx, prefix+summaryObject, body); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

func (s *ObjectStore) put(ctx context.Context, key string, body []byte) error {
	if _, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: jsonContentType,
	}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func dayPrefix(t time.Time) string {
	return path.Join(archiveRoot, t.Format("2006/01/02"))
}
