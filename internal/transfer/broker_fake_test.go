package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropgate/dropgate/internal/blob"
	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/meta"
)

// fakeBroker is an in-memory stand-in for the S3 broker. It mints predictable
// URLs and tracks multipart sessions so tests can assert on the calls made.
type fakeBroker struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sessions map[string]string // uploadID -> key
	nextID   int

	completedParts map[string][]blob.CompletedPart // key -> parts as received
	aborted        []string                        // aborted uploadIDs
	abortedKeys    []string
	lastFilename   string

	signPutErr  error
	signPartErr error
	startErr    error
	completeErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		objects:        make(map[string][]byte),
		sessions:       make(map[string]string),
		completedParts: make(map[string][]blob.CompletedPart),
	}
}

func (b *fakeBroker) SignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if b.signPutErr != nil {
		return "", b.signPutErr
	}
	return "https://blobs.test/put/" + key, nil
}

func (b *fakeBroker) SignGet(ctx context.Context, key string, ttl time.Duration, downloadFilename string) (string, error) {
	b.mu.Lock()
	b.lastFilename = downloadFilename
	b.mu.Unlock()
	return "https://blobs.test/get/" + key, nil
}

func (b *fakeBroker) StartMultipart(ctx context.Context, key string) (string, error) {
	if b.startErr != nil {
		return "", b.startErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	uploadID := fmt.Sprintf("mp-%d", b.nextID)
	b.sessions[uploadID] = key
	return uploadID, nil
}

func (b *fakeBroker) SignPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	if b.signPartErr != nil {
		return "", b.signPartErr
	}
	return fmt.Sprintf("https://blobs.test/part/%s/%s/%d", key, uploadID, partNumber), nil
}

func (b *fakeBroker) CompleteMultipart(ctx context.Context, key, uploadID string, parts []blob.CompletedPart) error {
	if b.completeErr != nil {
		return b.completeErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[uploadID]; !ok {
		return errdefs.NotFound(errors.New("no such upload"))
	}
	delete(b.sessions, uploadID)
	b.completedParts[key] = parts
	b.objects[key] = []byte("assembled")
	return nil
}

func (b *fakeBroker) AbortMultipart(ctx context.Context, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, uploadID)
	b.aborted = append(b.aborted, uploadID)
	b.abortedKeys = append(b.abortedKeys, key)
	return nil
}

func (b *fakeBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *fakeBroker) StreamGet(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	data, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return nil, 0, errdefs.NotFound(errors.New("no such key"))
	}
	return io.NopCloser(strings.NewReader(string(data))), int64(len(data)), nil
}

func (b *fakeBroker) Size(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return 0, errdefs.NotFound(errors.New("no such key"))
	}
	return int64(len(data)), nil
}

func (b *fakeBroker) Ping(ctx context.Context) error { return nil }

func (b *fakeBroker) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *fakeBroker) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func newTestStore(t *testing.T) meta.Store {
	t.Helper()
	store, err := meta.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testLimits() Limits {
	return Limits{
		MaxFileSize:        1 << 30,
		MaxExpire:          7 * 24 * time.Hour,
		DefaultExpire:      24 * time.Hour,
		MaxDownloads:       100,
		DefaultDownloads:   1,
		MultipartThreshold: 1 << 20,
		DefaultPartSize:    1 << 20,
		MaxParts:           100,
		MaxPartSize:        5 << 20,
		SignedURLTTL:       time.Hour,
		DownloadGrace:      10 * time.Millisecond,
		PublicBaseURL:      "https://send.test",
		UseSignedURLs:      true,
	}
}
