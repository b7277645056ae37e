package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/classhub/media/internal/identity"
	"github.com/classhub/media/internal/metacache"
	"github.com/classhub/media/internal/response"
	"github.com/classhub/media/internal/storage"
)

const (
	publicBucket  = "media-public"
	privateBucket = "media-private"
)

// countingStore wraps MemoryStorage and counts backing calls.
type countingStore struct {
	*storage.MemoryStorage
	heads   atomic.Int64
	gets    atomic.Int64
	headErr error
}

func (s *countingStore) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	s.heads.Add(1)
	if s.headErr != nil {
		return storage.ObjectInfo{}, s.headErr
	}
	return s.MemoryStorage.HeadObject(ctx, bucket, key)
}

func (s *countingStore) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	s.gets.Add(1)
	return s.MemoryStorage.GetObjectRange(ctx, bucket, key, start, end)
}

type staticOwners map[string]string

func (o staticOwners) OwnerOf(_ context.Context, key, _ string) (string, error) {
	if owner, ok := o[key]; ok {
		return owner, nil
	}
	return "", ErrOwnerUnknown
}

type recorded struct {
	tier, state, reason string
	bytes               int64
}

type recorder struct {
	mu   sync.Mutex
	seen []recorded
}

func (r *recorder) ObserveDelivery(tier, state, reason string, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recorded{tier, state, reason, bytes})
}

type harness struct {
	store  *countingStore
	cache  *metacache.Cache
	gw     *Gateway
	rec    *recorder
	router http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := &countingStore{MemoryStorage: storage.NewMemoryStorage()}
	cache := metacache.New(log, metacache.Options{TTL: time.Minute})
	rec := &recorder{}
	gw := NewGateway(log, GatewayConfig{PublicMaxAge: time.Hour},
		NewResolver(publicBucket, privateBucket), NewPolicy([]string{"admin"}), cache, store, rec)

	h := NewHandler(log, gw, staticOwners{"report.pdf": "student-1"})
	r := chi.NewRouter()
	r.Get("/objects/{tier}/*", h.ServeObject)
	r.Head("/objects/{tier}/*", h.ServeObject)

	return &harness{store: store, cache: cache, gw: gw, rec: rec, router: r}
}

func (e *harness) do(t *testing.T, method, target string, principal *identity.Principal, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	req = req.WithContext(identity.WithPrincipal(req.Context(), principal))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Envelope {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestScenarioPublicAnonymous(t *testing.T) {
	e := newHarness(t)
	logo := []byte("\x89PNG fake image bytes")
	e.store.Put(publicBucket, "logo.png", logo, "image/png")

	w := e.do(t, http.MethodGet, "/objects/public/logo.png", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, logo, w.Body.Bytes())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", w.Header().Get("Cache-Control"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	require.Len(t, e.rec.seen, 1)
	assert.Equal(t, recorded{"public", "DONE", "PUBLIC_OBJECT", int64(len(logo))}, e.rec.seen[0])
}

func TestScenarioPrivateOwner(t *testing.T) {
	e := newHarness(t)
	e.store.Put(privateBucket, "student-1/report.pdf", []byte("%PDF-1.7"), "application/pdf")

	w := e.do(t, http.MethodGet, "/objects/private/report.pdf", identity.NewPrincipal("student-1", "personal"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.7", w.Body.String())
	assert.Equal(t, "private, no-store", w.Header().Get("Cache-Control"))
}

func TestScenarioPrivateStranger(t *testing.T) {
	e := newHarness(t)
	e.store.Put(privateBucket, "student-1/report.pdf", []byte("%PDF-1.7"), "application/pdf")

	w := e.do(t, http.MethodGet, "/objects/private/report.pdf", identity.NewPrincipal("student-2", "personal"), nil)

	require.Equal(t, http.StatusForbidden, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, string(ReasonForbiddenTier), env.Reason)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	// Denied requests never touch the store.
	assert.Zero(t, e.store.heads.Load())
	assert.Zero(t, e.store.gets.Load())
}

func TestScenarioSingleByteRange(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "dot.txt", []byte("."), "text/plain")

	w := e.do(t, http.MethodGet, "/objects/public/dot.txt", nil, http.Header{"Range": {"bytes=0-0"}})

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, ".", w.Body.String())
	assert.Equal(t, "1", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 0-0/1", w.Header().Get("Content-Range"))
}

func TestPrivateAnonymousDenied(t *testing.T) {
	e := newHarness(t)
	e.store.Put(privateBucket, "student-1/report.pdf", []byte("%PDF"), "application/pdf")

	w := e.do(t, http.MethodGet, "/objects/private/report.pdf", nil, nil)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(ReasonNoCredential), decodeEnvelope(t, w).Reason)
}

func TestPrivateAdminWithExplicitOwner(t *testing.T) {
	e := newHarness(t)
	e.store.Put(privateBucket, "student-9/essay.docx", []byte("essay"), "application/octet-stream")

	w := e.do(t, http.MethodGet, "/objects/private/essay.docx?owner=student-9", identity.NewPrincipal("teacher-1", "admin"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "essay", w.Body.String())
}

func TestUnsatisfiableRange(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "clip.mp3", make([]byte, 100), "audio/mpeg")

	w := e.do(t, http.MethodGet, "/objects/public/clip.mp3", nil, http.Header{"Range": {"bytes=90-150"}})

	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */100", w.Header().Get("Content-Range"))
}

func TestMalformedRangeServesWholeObject(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "clip.mp3", make([]byte, 100), "audio/mpeg")

	w := e.do(t, http.MethodGet, "/objects/public/clip.mp3", nil, http.Header{"Range": {"bytes=0-1,4-5"}})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, w.Body.Len())
}

func TestInvalidReferences(t *testing.T) {
	e := newHarness(t)
	for _, target := range []string{
		"/objects/secret/logo.png",
		"/objects/public/a/%2E%2E/b",
		"/objects/public/a//b",
	} {
		w := e.do(t, http.MethodGet, target, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestNotFound(t *testing.T) {
	e := newHarness(t)
	w := e.do(t, http.MethodGet, "/objects/public/missing.png", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, e.cache.Len())
}

func TestHeadRequest(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "logo.png", make([]byte, 64), "image/png")

	w := e.do(t, http.MethodHead, "/objects/public/logo.png", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "64", w.Header().Get("Content-Length"))
	assert.Equal(t, 0, w.Body.Len())
	assert.Zero(t, e.store.gets.Load())
}

func TestMetadataCachedAcrossRequests(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "logo.png", make([]byte, 10), "image/png")

	for i := 0; i < 3; i++ {
		w := e.do(t, http.MethodGet, "/objects/public/logo.png", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int64(1), e.store.heads.Load())
	assert.Equal(t, int64(3), e.store.gets.Load())
}

func TestStaleCacheEntryInvalidated(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "old.png", make([]byte, 100), "image/png")

	w := e.do(t, http.MethodGet, "/objects/public/old.png", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	entry, ok := e.cache.Lookup(publicBucket, "old.png")
	require.True(t, ok)
	require.Equal(t, int64(100), entry.Size)

	require.NoError(t, e.store.Delete(context.Background(), publicBucket, "old.png"))

	w = e.do(t, http.MethodGet, "/objects/public/old.png", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	_, ok = e.cache.Lookup(publicBucket, "old.png")
	assert.False(t, ok)
	// one head for the original fill, one for the recheck
	assert.Equal(t, int64(2), e.store.heads.Load())
}

func TestStaleCacheEntryRecoversWhenObjectReplaced(t *testing.T) {
	e := newHarness(t)
	ref := mustRef(t, TierPublic, "moved.png", "")
	e.store.Put(publicBucket, "moved.png", make([]byte, 10), "image/png")
	w := e.do(t, http.MethodGet, "/objects/public/moved.png", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Replace the store so that the object is briefly missing on the read path
	// but present again for the recheck.
	gone := &vanishingStore{countingStore: e.store}
	gw := NewGateway(zaptest.NewLogger(t), GatewayConfig{}, NewResolver(publicBucket, privateBucket),
		NewPolicy(nil), e.cache, gone, nil)

	rw := httptest.NewRecorder()
	out := gw.Serve(context.Background(), rw, Request{Ref: ref})
	require.NoError(t, out.Err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, 10, rw.Body.Len())
}

// vanishingStore reports NOT_FOUND on the first read only.
type vanishingStore struct {
	*countingStore
	once sync.Once
}

func (s *vanishingStore) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	missing := false
	s.once.Do(func() { missing = true })
	if missing {
		return nil, storage.ErrNotFound
	}
	return s.countingStore.GetObjectRange(ctx, bucket, key, start, end)
}

func TestBackingStoreUnavailable(t *testing.T) {
	e := newHarness(t)
	e.store.headErr = errors.New("dial tcp 10.0.0.1:9000: connection refused")

	w := e.do(t, http.MethodGet, "/objects/public/logo.png", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestGatewayOutcomeStates(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "ok.txt", []byte("ok"), "text/plain")
	ctx := context.Background()

	out := e.gw.Serve(ctx, httptest.NewRecorder(), Request{Ref: ObjectReference{}})
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, StateResolving, out.Stage)
	assert.True(t, ErrInvalidReference.Has(out.Err))
	assert.False(t, out.Committed())

	out = e.gw.Serve(ctx, httptest.NewRecorder(), Request{Ref: mustRef(t, TierPrivate, "x", "")})
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, StateAuthorizing, out.Stage)
	assert.Equal(t, http.StatusForbidden, out.Status)

	out = e.gw.Serve(ctx, httptest.NewRecorder(), Request{Ref: mustRef(t, TierPublic, "nope.txt", "")})
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, StateLookingUp, out.Stage)
	assert.Equal(t, http.StatusNotFound, out.Status)
	assert.True(t, ErrObjectNotFound.Has(out.Err))

	out = e.gw.Serve(ctx, httptest.NewRecorder(), Request{Ref: mustRef(t, TierPublic, "ok.txt", ""), Range: NewRange(5, 9)})
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, StateStreaming, out.Stage)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, out.Status)

	out = e.gw.Serve(ctx, httptest.NewRecorder(), Request{Ref: mustRef(t, TierPublic, "ok.txt", "")})
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, StateDone, out.Stage)
	assert.True(t, out.CacheHit)
	assert.True(t, out.Committed())
}

func TestConcurrentRequestsShareOneLookup(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "popular.jpg", make([]byte, 256), "image/jpeg")

	const n = 16
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/objects/public/popular.jpg", nil)
			w := httptest.NewRecorder()
			e.router.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	assert.Equal(t, int64(1), e.store.heads.Load())
}

func TestBuiltURLsRoundTrip(t *testing.T) {
	e := newHarness(t)
	urls := NewURLBuilder("")
	objects := map[string]string{
		"100%.png":            "pct",
		"a%41.png":            "literal",
		"aA.png":              "other",
		"my notes.txt":        "space",
		"q#1.txt":             "hash",
		"dir/sub file%20.txt": "nested",
	}
	for key, body := range objects {
		e.store.Put(publicBucket, key, []byte(body), "text/plain")
	}

	for key, body := range objects {
		target := urls.URL(mustRef(t, TierPublic, key, ""))
		w := e.do(t, http.MethodGet, target, nil, nil)
		require.Equal(t, http.StatusOK, w.Code, target)
		assert.Equal(t, body, w.Body.String(), target)
	}

	// An escape the builder never emits still decodes to the plain key.
	w := e.do(t, http.MethodGet, "/objects/public/a%41.png", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "other", w.Body.String())
}

func TestUnavailableWithoutRetryableCause(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t), nil, nil)

	w := httptest.NewRecorder()
	h.writeError(w, Outcome{Status: http.StatusServiceUnavailable, Err: errors.New("misconfigured")})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	h.writeError(w, Outcome{Err: ErrBackingStoreUnavailable.New("timeout")})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHeadConfirmsCachedEntry(t *testing.T) {
	e := newHarness(t)
	e.store.Put(publicBucket, "logo.png", make([]byte, 64), "image/png")

	w := e.do(t, http.MethodGet, "/objects/public/logo.png", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	e.store.Put(publicBucket, "logo.png", make([]byte, 80), "image/webp")
	w = e.do(t, http.MethodHead, "/objects/public/logo.png", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "80", w.Header().Get("Content-Length"))
	assert.Equal(t, "image/webp", w.Header().Get("Content-Type"))
	_, ok := e.cache.Lookup(publicBucket, "logo.png")
	assert.False(t, ok)

	require.NoError(t, e.store.Delete(context.Background(), publicBucket, "logo.png"))
	w = e.do(t, http.MethodGet, "/objects/public/logo.png", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	e.store.Put(publicBucket, "logo.png", make([]byte, 8), "image/png")
	w = e.do(t, http.MethodGet, "/objects/public/logo.png", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, e.store.Delete(context.Background(), publicBucket, "logo.png"))

	w = e.do(t, http.MethodHead, "/objects/public/logo.png", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	_, ok = e.cache.Lookup(publicBucket, "logo.png")
	assert.False(t, ok)
}
