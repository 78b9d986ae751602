package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/dropgate/dropgate/internal/auth"
	"github.com/dropgate/dropgate/internal/blob"
	"github.com/dropgate/dropgate/internal/config"
	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/meta"
	"github.com/dropgate/dropgate/internal/transfer"
)

// fakeBroker stands in for the S3 backend.
type fakeBroker struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sessions map[string]string
	nextID   int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		objects:  make(map[string][]byte),
		sessions: make(map[string]string),
	}
}

func (b *fakeBroker) SignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.test/put/" + key, nil
}

func (b *fakeBroker) SignGet(ctx context.Context, key string, ttl time.Duration, downloadFilename string) (string, error) {
	return "https://blobs.test/get/" + key, nil
}

func (b *fakeBroker) StartMultipart(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	uploadID := fmt.Sprintf("mp-%d", b.nextID)
	b.sessions[uploadID] = key
	return uploadID, nil
}

func (b *fakeBroker) SignPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://blobs.test/part/%s/%d", key, partNumber), nil
}

func (b *fakeBroker) CompleteMultipart(ctx context.Context, key, uploadID string, parts []blob.CompletedPart) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[uploadID]; !ok {
		return errdefs.NotFound(errors.New("no such upload"))
	}
	delete(b.sessions, uploadID)
	b.objects[key] = []byte("assembled")
	return nil
}

func (b *fakeBroker) AbortMultipart(ctx context.Context, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, uploadID)
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
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
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

func testConfig() *config.Config {
	return &config.Config{
		BindAddress:     "127.0.0.1:0",
		PublicBaseURL:   "http://send.test",
		LogLevel:        "info",
		ShutdownTimeout: 1,
		Store:           config.StoreConfig{InMemory: true},
		S3:              config.S3Config{Bucket: "dropgate-test"},
		Transfer: config.TransferConfig{
			MaxFileSize:              1 << 30,
			MaxFileSizeAuthenticated: 2 << 30,
			MaxExpireSeconds:         7 * 86400,
			DefaultExpireSeconds:     86400,
			MaxDownloads:             100,
			DefaultDownloads:         1,
			MultipartThreshold:       1 << 20,
			DefaultPartSize:          1 << 20,
			MaxParts:                 100,
			MaxPartSize:              5 << 20,
			SignedURLTTLSeconds:      3600,
			DownloadGraceSeconds:     60,
			UseSignedURLs:            true,
		},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (http.Handler, *fakeBroker) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store, err := meta.OpenInMemory()
	require.NoError(t, err)
	broker := newFakeBroker()
	s := newServer(cfg, store, broker)
	t.Cleanup(func() {
		s.lifecycle.Close()
		store.Close()
	})
	return s.httpServer.Handler, broker
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func planUpload(t *testing.T, handler http.Handler, req transfer.PlanRequest) transfer.Plan {
	t.Helper()
	rec := doJSON(t, handler, "POST", "/upload/url", req, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var plan transfer.Plan
	decodeBody(t, rec, &plan)
	return plan
}

func completeUpload(t *testing.T, handler http.Handler, req transfer.CompleteRequest) transfer.CompleteResult {
	t.Helper()
	rec := doJSON(t, handler, "POST", "/upload/complete", req, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result transfer.CompleteResult
	decodeBody(t, rec, &result)
	return result
}

func TestConfigEndpoint(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	rec := doJSON(t, handler, "GET", "/config", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg clientConfig
	decodeBody(t, rec, &cfg)
	assert.Equal(t, int64(1<<30), cfg.MaxFileSize)
	assert.Equal(t, int64(2<<30), cfg.MaxFileSizeAuthenticated)
	assert.Equal(t, 100, cfg.MaxDownloads)
	assert.Equal(t, 1, cfg.DefaultDownloads)
}

func TestHealthEndpoints(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, doJSON(t, handler, "GET", "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, handler, "GET", "/__heartbeat__", nil, nil).Code)
}

func TestUploadDownloadFlow(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 1000})
	assert.True(t, plan.UseSignedURL)
	assert.False(t, plan.Multipart)
	assert.Equal(t, "https://blobs.test/put/"+plan.ID, plan.URL)
	assert.Equal(t, "http://send.test/upload/complete", plan.CompleteURL)

	result := completeUpload(t, handler, transfer.CompleteRequest{
		ID:       plan.ID,
		Metadata: base64.StdEncoding.EncodeToString([]byte(`{"name":"a.txt"}`)),
	})
	assert.Equal(t, "http://send.test/download/"+plan.ID+"#"+plan.Owner, result.URL)

	rec := doJSON(t, handler, "GET", "/exists/"+plan.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var exists struct {
		Exists bool `json:"exists"`
	}
	decodeBody(t, rec, &exists)
	assert.True(t, exists.Exists)

	rec = doJSON(t, handler, "GET", "/metadata/"+plan.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var md transfer.MetadataResult
	decodeBody(t, rec, &md)
	assert.False(t, md.Encrypted)
	assert.Greater(t, md.TTL, int64(0))

	rec = doJSON(t, handler, "GET", "/download/url/"+plan.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info transfer.DownloadInfo
	decodeBody(t, rec, &info)
	assert.Equal(t, "https://blobs.test/get/"+plan.ID, info.URL)
	assert.Equal(t, int64(1), info.DLimit)

	rec = doJSON(t, handler, "POST", "/download/complete/"+plan.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var done transfer.CompletionResult
	decodeBody(t, rec, &done)
	assert.True(t, done.Deleted)
	assert.Equal(t, int64(1), done.DL)

	// The download limit is spent; further URL requests are gone.
	rec = doJSON(t, handler, "GET", "/download/url/"+plan.ID, nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestMultipartUploadFlow(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 3 << 20})
	assert.True(t, plan.Multipart)
	assert.NotEmpty(t, plan.UploadID)
	require.Len(t, plan.Parts, 3)
	assert.Equal(t, int64(1<<20), plan.PartSize)
	assert.Equal(t, plan.CompleteURL, plan.URL)

	parts := make([]transfer.Part, len(plan.Parts))
	for i, p := range plan.Parts {
		parts[i] = transfer.Part{PartNumber: p.PartNumber, ETag: fmt.Sprintf(`"etag-%d"`, p.PartNumber)}
	}
	completeUpload(t, handler, transfer.CompleteRequest{
		ID:       plan.ID,
		Metadata: "sealed",
		Parts:    parts,
	})

	rec := doJSON(t, handler, "GET", "/metadata/"+plan.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadAbort(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 3 << 20})

	rec := doJSON(t, handler, "POST", "/upload/abort/"+plan.ID, map[string]string{"uploadId": plan.UploadID}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "GET", "/exists/"+plan.ID, nil, nil)
	var exists struct {
		Exists bool `json:"exists"`
	}
	decodeBody(t, rec, &exists)
	assert.False(t, exists.Exists)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	rec := doJSON(t, handler, "POST", "/upload/url", transfer.PlanRequest{FileSize: (1 << 30) + 1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerRaisesUploadLimit(t *testing.T) {
	handler, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "s3cret"
	})

	over := transfer.PlanRequest{FileSize: (1 << 30) + 1}
	rec := doJSON(t, handler, "POST", "/upload/url", over, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	rec = doJSON(t, handler, "POST", "/upload/url", over, map[string]string{
		"Authorization": "Bearer " + token,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, handler, "POST", "/upload/url", over, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// deriveAuthKey derives the file authentication key from a client secret the
// way browser clients do.
func deriveAuthKey(t *testing.T, secret []byte) []byte {
	t.Helper()
	key := make([]byte, 64)
	_, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("authentication")), key)
	require.NoError(t, err)
	return key
}

func signChallenge(t *testing.T, key []byte, challenge string) string {
	t.Helper()
	nonce, err := base64.StdEncoding.DecodeString(challenge)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	return auth.Scheme + " " + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func parseChallenge(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	header := rec.Header().Get("WWW-Authenticate")
	require.True(t, strings.HasPrefix(header, auth.Scheme+" "), "unexpected WWW-Authenticate %q", header)
	return strings.TrimPrefix(header, auth.Scheme+" ")
}

func TestEncryptedFlow(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	secret := make([]byte, 16)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	authKey := deriveAuthKey(t, secret)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 1000, Encrypted: true})
	completeUpload(t, handler, transfer.CompleteRequest{
		ID:       plan.ID,
		Metadata: "sealed-metadata",
		AuthKey:  base64.RawURLEncoding.EncodeToString(authKey),
	})

	// First touch: no signature, a 401 carrying the challenge.
	rec := doJSON(t, handler, "GET", "/metadata/"+plan.ID, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := parseChallenge(t, rec)

	// Signed retry succeeds and carries the next challenge.
	header := signChallenge(t, authKey, challenge)
	rec = doJSON(t, handler, "GET", "/metadata/"+plan.ID, nil, map[string]string{"Authorization": header})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := parseChallenge(t, rec)
	assert.NotEqual(t, challenge, next)

	var md transfer.MetadataResult
	decodeBody(t, rec, &md)
	assert.True(t, md.Encrypted)
	assert.Equal(t, "sealed-metadata", md.Metadata)

	// Replaying the spent signature fails.
	rec = doJSON(t, handler, "GET", "/metadata/"+plan.ID, nil, map[string]string{"Authorization": header})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The new challenge works for the download URL.
	rec = doJSON(t, handler, "GET", "/download/url/"+plan.ID, nil, map[string]string{
		"Authorization": signChallenge(t, authKey, next),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The wrong key never gets through.
	rec = doJSON(t, handler, "GET", "/metadata/"+plan.ID, nil, map[string]string{
		"Authorization": signChallenge(t, deriveAuthKey(t, []byte("wrong")), parseChallenge(t, rec)),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEncryptedDirectDownloadIsHidden(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 1000, Encrypted: true})
	completeUpload(t, handler, transfer.CompleteRequest{
		ID:       plan.ID,
		Metadata: "sealed",
		AuthKey:  "a2V5",
	})

	rec := doJSON(t, handler, "GET", "/download/direct/"+plan.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDirectDownload(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 1000, DLimit: 2})
	completeUpload(t, handler, transfer.CompleteRequest{ID: plan.ID, Metadata: "bTE="})

	rec := doJSON(t, handler, "GET", "/download/direct/"+plan.ID, nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://blobs.test/get/"+plan.ID, rec.Header().Get("Location"))
}

func TestStreamDownload(t *testing.T) {
	handler, broker := newTestServer(t, nil)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 10})
	completeUpload(t, handler, transfer.CompleteRequest{ID: plan.ID, Metadata: "bTE="})
	broker.put(plan.ID, []byte("ciphertext"))

	rec := doJSON(t, handler, "GET", "/download/"+plan.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "ciphertext", rec.Body.String())

	// Same handler behind the explicit blob route.
	rec = doJSON(t, handler, "GET", "/download/blob/"+plan.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOwnerEndpoints(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 1000})
	completeUpload(t, handler, transfer.CompleteRequest{ID: plan.ID, Metadata: "bTE="})

	// Wrong token fails closed on every endpoint.
	for _, path := range []string{"/params/", "/info/", "/delete/", "/password/"} {
		rec := doJSON(t, handler, "POST", path+plan.ID, ownerRequest{OwnerToken: "wrong", DLimit: 2, Auth: "a2V5"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := doJSON(t, handler, "POST", "/params/"+plan.ID, ownerRequest{OwnerToken: plan.Owner, DLimit: 5}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "POST", "/info/"+plan.ID, ownerRequest{OwnerToken: plan.Owner}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info transfer.InfoResult
	decodeBody(t, rec, &info)
	assert.Equal(t, int64(0), info.DL)
	assert.Equal(t, int64(5), info.DLimit)
	assert.Greater(t, info.TTL, int64(0))

	// Adding a password makes reads require the challenge-response.
	rec = doJSON(t, handler, "POST", "/password/"+plan.ID, ownerRequest{OwnerToken: plan.Owner, Auth: "bmV3LWtleQ=="}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, handler, "GET", "/metadata/"+plan.ID, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, "POST", "/delete/"+plan.ID, ownerRequest{OwnerToken: plan.Owner}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "GET", "/exists/"+plan.ID, nil, nil)
	var exists struct {
		Exists bool `json:"exists"`
	}
	decodeBody(t, rec, &exists)
	assert.False(t, exists.Exists)
}

func TestUnknownFile(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, doJSON(t, handler, "GET", "/metadata/ffffffffffffffff", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, handler, "GET", "/download/url/ffffffffffffffff", nil, nil).Code)
}

func TestMalformedIDsDoNotRoute(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	// Uppercase, wrong-length and non-hex ids never reach a handler.
	for _, id := range []string{"ABCDEF0123456789", "abc", "abcdef0123", "abcdef0123456789a", "zzzzzzzzzzzzzzzz"} {
		rec := doJSON(t, handler, "GET", "/metadata/"+id, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
	}
}

func TestMalformedJSONBody(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	req := httptest.NewRequest("POST", "/upload/url", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingUploadIsInvisible(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	plan := planUpload(t, handler, transfer.PlanRequest{FileSize: 1000})

	// Planned but not completed: reads see nothing, exists sees the record.
	assert.Equal(t, http.StatusNotFound, doJSON(t, handler, "GET", "/metadata/"+plan.ID, nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, handler, "GET", "/download/url/"+plan.ID, nil, nil).Code)

	rec := doJSON(t, handler, "GET", "/exists/"+plan.ID, nil, nil)
	var exists struct {
		Exists bool `json:"exists"`
	}
	decodeBody(t, rec, &exists)
	assert.True(t, exists.Exists)
}
