package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"clinicdesk/internal/events"
	"clinicdesk/internal/worker/config"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	exists  bool
	made    bool
	listErr error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (f *fakeBucket) BucketExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeBucket) MakeBucket(context.Context, string, minio.MakeBucketOptions) error {
	f.made = true
	return nil
}

func (f *fakeBucket) PutObject(_ context.Context, _ string, object string, reader io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[object] = body
	return minio.UploadInfo{Key: object, Size: int64(len(body))}, nil
}

func (f *fakeBucket) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make(chan minio.ObjectInfo, len(keys)+1)
	for _, key := range keys {
		out <- minio.ObjectInfo{Key: key}
	}
	if f.listErr != nil {
		out <- minio.ObjectInfo{Err: f.listErr}
	}
	close(out)
	return out
}

func (f *fakeBucket) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func newTestStore() (*ObjectStore, *fakeBucket) {
	bucket := newFakeBucket()
	store := newObjectStore(bucket, config.StorageConfig{Bucket: "clinicdesk-audit"})
	store.now = func() time.Time { return time.Date(2026, 3, 2, 0, 15, 0, 0, time.UTC) }
	return store, bucket
}

func TestPutEventLayout(t *testing.T) {
	store, bucket := newTestStore()
	event := events.Event{
		ID:         "evt-1",
		Type:       events.TypeLogin,
		UserID:     "user-1",
		OccurredAt: time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("UTC-3", -3*3600)),
	}
	if err := store.PutEvent(context.Background(), event); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}

	want := "audit/2026/03/02/login/evt-1.json"
	raw, ok := bucket.objects[want]
	if !ok {
		t.Fatalf("keys = %v, want %s", bucket.keys(), want)
	}
	var got events.Event
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("stored body: %v", err)
	}
	if got.UserID != "user-1" {
		t.Fatalf("stored = %+v", got)
	}
}

func TestPutEventRequiresIDAndType(t *testing.T) {
	store, _ := newTestStore()
	err := store.PutEvent(context.Background(), events.Event{Type: events.TypeLogin})
	if !errors.Is(err, events.ErrMalformedEvent) {
		t.Fatalf("err = %v", err)
	}
}

func TestRollupCountsByType(t *testing.T) {
	store, bucket := newTestStore()
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, typ := range []events.Type{events.TypeLogin, events.TypeLogin, events.TypeLogout, events.TypeMasterKeyLogin} {
		event := events.Event{ID: string(rune('a' + i)), Type: typ, OccurredAt: day}
		if err := store.PutEvent(ctx, event); err != nil {
			t.Fatalf("PutEvent: %v", err)
		}
	}
	// a neighbouring day must not be counted
	if err := store.PutEvent(ctx, events.Event{ID: "z", Type: events.TypeLogin, OccurredAt: day.AddDate(0, 0, 1)}); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}

	summary, err := store.Rollup(ctx, "2026-03-01")
	if err != nil {
		t.Fatalf("Rollup: %v", err)
	}
	if summary.Total != 4 || summary.ByType["login"] != 2 || summary.ByType["logout"] != 1 || summary.ByType["master_key_login"] != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, ok := bucket.objects["audit/2026/03/01/summary.json"]; !ok {
		t.Fatalf("summary not written: %v", bucket.keys())
	}

	// rerunning ignores the summary it wrote
	again, err := store.Rollup(ctx, "2026-03-01")
	if err != nil {
		t.Fatalf("Rollup again: %v", err)
	}
	if again.Total != 4 {
		t.Fatalf("rerun total = %d", again.Total)
	}
}

func TestRollupErrors(t *testing.T) {
	store, bucket := newTestStore()
	if _, err := store.Rollup(context.Background(), "03/01/2026"); !errors.Is(err, ErrInvalidDay) {
		t.Fatalf("err = %v", err)
	}

	bucket.listErr = errors.New("network")
	if _, err := store.Rollup(context.Background(), "2026-03-01"); err == nil {
		t.Fatal("expected list error")
	}
}

func TestEnsureBucketCreatesMissing(t *testing.T) {
	store, bucket := newTestStore()
	if err := store.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	if !bucket.made {
		t.Fatal("bucket not created")
	}
}
