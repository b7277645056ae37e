package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/classhub/media/internal/metacache"
	"github.com/classhub/media/internal/storage"
)

var errShortBody = errors.New("short body")

const (
	defaultChunkSize   = 32 << 10
	defaultContentType = "application/octet-stream"
)

// Invalidator drops cached metadata for an object.
type Invalidator interface {
	Invalidate(bucket, key string)
}

// StreamOptions adjusts a single transfer.
type StreamOptions struct {
	// HeadOnly writes headers without opening the object body.
	HeadOnly bool
	// CacheControl is sent with successful responses only.
	CacheControl string
}

// StreamResult describes what was written to the client.
type StreamResult struct {
	// Status is the code written to the client, or 0 if headers were never sent.
	Status      int
	BytesSent   int64
	ContentType string
	FullLength  int64
	Partial     bool
	Start       int64
	End         int64
}

// Streamer copies object bytes from the store to a response.
type Streamer struct {
	log       *zap.Logger
	store     storage.ObjectStore
	cache     Invalidator
	chunkSize int
}

// NewStreamer returns a Streamer reading from store. cache is told about
// objects that turn out to be missing.
func NewStreamer(log *zap.Logger, store storage.ObjectStore, cache Invalidator) *Streamer {
	return &Streamer{log: log, store: store, cache: cache, chunkSize: defaultChunkSize}
}

// Stream writes the object described by meta to w, limited to rng when set.
//
// Once headers are written the transfer cannot be restarted: any later
// failure, including ctx being cancelled by a disconnecting client, returns
// ErrStreamAborted with BytesSent set to the prefix already delivered. The
// store reader is closed on every path.
func (s *Streamer) Stream(ctx context.Context, meta metacache.Entry, rng *RangeSpec, w http.ResponseWriter, opts StreamOptions) (res StreamResult, err error) {
	res = StreamResult{ContentType: meta.ContentType, FullLength: meta.Size}
	if res.ContentType == "" {
		res.ContentType = defaultContentType
	}

	start, end, partial, err := rng.window(meta.Size)
	if err != nil {
		return res, err
	}
	res.Start, res.End, res.Partial = start, end, partial
	length := end - start + 1

	var body io.ReadCloser
	if !opts.HeadOnly {
		readEnd := end
		if !partial {
			readEnd = -1
		}
		body, err = s.store.GetObjectRange(ctx, meta.Bucket, meta.Key, start, readEnd)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.cache.Invalidate(meta.Bucket, meta.Key)
				return res, ErrObjectNotFound.New("%s/%s", meta.Bucket, meta.Key)
			}
			return res, ErrBackingStoreUnavailable.Wrap(err)
		}
		defer func() {
			if cerr := body.Close(); cerr != nil {
				s.log.Debug("close object body", zap.String("key", meta.Key), zap.Error(cerr))
			}
		}()
	}

	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	if opts.CacheControl != "" {
		h.Set("Cache-Control", opts.CacheControl)
	}
	res.Status = http.StatusOK
	if partial {
		h.Set("Content-Range", contentRange(start, end, meta.Size))
		res.Status = http.StatusPartialContent
	}
	w.WriteHeader(res.Status)

	if opts.HeadOnly {
		return res, nil
	}
	res, err = s.copy(ctx, w, body, length, res)
	if errors.Is(err, errShortBody) {
		// The object changed since its metadata was cached.
		s.cache.Invalidate(meta.Bucket, meta.Key)
	}
	return res, err
}

// copy moves exactly length bytes in chunks, checking ctx between chunks so a
// cancelled request stops reading within one chunk.
func (s *Streamer) copy(ctx context.Context, w io.Writer, body io.Reader, length int64, res StreamResult) (StreamResult, error) {
	buf := make([]byte, s.chunkSize)
	for res.BytesSent < length {
		if err := ctx.Err(); err != nil {
			return res, ErrStreamAborted.Wrap(err)
		}
		want := length - res.BytesSent
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, rerr := body.Read(buf[:want])
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			res.BytesSent += int64(wn)
			if werr != nil {
				return res, ErrStreamAborted.Wrap(werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return res, ErrStreamAborted.Wrap(rerr)
		}
	}
	if res.BytesSent < length {
		return res, ErrStreamAborted.Wrap(fmt.Errorf("%w: sent %d of %d bytes", errShortBody, res.BytesSent, length))
	}
	return res, nil
}

func contentRange(start, end, size int64) string {
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(size, 10)
}

// unsatisfiedRange is the Content-Range value sent with a 416.
func unsatisfiedRange(size int64) string {
	return "bytes */" + strconv.FormatInt(size, 10)
}
