package delivery

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/classhub/media/internal/identity"
	"github.com/classhub/media/internal/metacache"
	"github.com/classhub/media/internal/storage"
)

// State is a step in serving one request.
type State int

// States, in the order a successful request visits them. Rejected and Failed
// are terminal and reachable from any non-terminal state.
const (
	StateResolving State = iota
	StateAuthorizing
	StateLookingUp
	StateStreaming
	StateDone
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "RESOLVING"
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateLookingUp:
		return "LOOKING_UP"
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	case StateRejected:
		return "REJECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Request is one delivery to perform.
type Request struct {
	Ref ObjectReference
	// Principal is nil for anonymous callers.
	Principal *identity.Principal
	// Range is nil for whole-object requests.
	Range    *RangeSpec
	HeadOnly bool
}

// Outcome is how a request ended.
type Outcome struct {
	// State is DONE, REJECTED or FAILED.
	State State
	// Stage is the state in which the request ended.
	Stage    State
	Status   int
	Decision Decision
	Location Location
	CacheHit bool
	Result   StreamResult
	Err      error
}

// Committed reports whether response headers were already written, in which
// case nothing more may be sent to the client.
func (o Outcome) Committed() bool {
	return o.Result.Status != 0
}

// Recorder receives one call per finished request.
type Recorder interface {
	ObserveDelivery(tier, state, reason string, bytes int64)
}

// Cache is the metadata cache the gateway consults.
type Cache interface {
	Invalidator
	GetOrFetch(ctx context.Context, bucket, key string, fetch metacache.FetchFunc) (metacache.Entry, bool, error)
}

// GatewayConfig tunes response headers.
type GatewayConfig struct {
	// PublicMaxAge is the Cache-Control max-age for public objects.
	PublicMaxAge time.Duration
}

// Gateway ties resolution, authorization, metadata lookup and streaming
// together. It keeps no per-request state between calls.
type Gateway struct {
	log      *zap.Logger
	resolver *Resolver
	policy   *Policy
	cache    Cache
	store    storage.ObjectStore
	streamer *Streamer
	recorder Recorder
	tracer   trace.Tracer

	publicCacheControl string
}

// NewGateway assembles a Gateway. recorder may be nil.
func NewGateway(log *zap.Logger, cfg GatewayConfig, resolver *Resolver, policy *Policy, cache Cache, store storage.ObjectStore, recorder Recorder) *Gateway {
	maxAge := cfg.PublicMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Gateway{
		log:                log,
		resolver:           resolver,
		policy:             policy,
		cache:              cache,
		store:              store,
		streamer:           NewStreamer(log.Named("streamer"), store, cache),
		recorder:           recorder,
		tracer:             otel.Tracer("github.com/classhub/media/internal/delivery"),
		publicCacheControl: "public, max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10),
	}
}

// delivery tracks one request through the state machine.
type delivery struct {
	g    *Gateway
	req  Request
	span trace.Span
	out  Outcome
}

func (d *delivery) advance(next State) {
	d.out.Stage = next
	d.span.AddEvent(next.String())
}

func (d *delivery) reject(status int, err error) Outcome {
	return d.finish(StateRejected, status, err)
}

func (d *delivery) fail(status int, err error) Outcome {
	return d.finish(StateFailed, status, err)
}

func (d *delivery) finish(state State, status int, err error) Outcome {
	d.out.State = state
	d.out.Err = err
	d.out.Status = status
	if d.out.Committed() {
		d.out.Status = d.out.Result.Status
	}
	if state == StateDone {
		d.out.Stage = StateDone
	}

	d.span.SetAttributes(
		attribute.String("delivery.state", state.String()),
		attribute.String("delivery.stage", d.out.Stage.String()),
		attribute.Int("http.status_code", d.out.Status),
		attribute.Int64("delivery.bytes", d.out.Result.BytesSent),
	)
	if err != nil {
		d.span.SetStatus(codes.Error, err.Error())
	}
	if d.g.recorder != nil {
		d.g.recorder.ObserveDelivery(d.req.Ref.tier.String(), state.String(), string(d.out.Decision.Reason), d.out.Result.BytesSent)
	}
	return d.out
}

// Serve runs req to completion, writing to w only once the object is known to
// exist and the caller is allowed to read it. When the returned Outcome is not
// Committed the caller must write the error response itself.
func (g *Gateway) Serve(ctx context.Context, w http.ResponseWriter, req Request) Outcome {
	ctx, span := g.tracer.Start(ctx, "delivery.Serve", trace.WithAttributes(
		attribute.String("delivery.tier", req.Ref.tier.String()),
		attribute.String("delivery.key", req.Ref.key),
	))
	defer span.End()

	d := &delivery{g: g, req: req, span: span}
	d.advance(StateResolving)

	loc, err := g.resolver.Resolve(req.Ref)
	if err != nil {
		return d.reject(http.StatusBadRequest, err)
	}
	d.out.Location = loc
	span.SetAttributes(attribute.String("delivery.bucket", loc.Bucket))
	d.advance(StateAuthorizing)

	dec := g.policy.Evaluate(req.Ref, req.Principal)
	d.out.Decision = dec
	span.SetAttributes(attribute.String("delivery.reason", string(dec.Reason)))
	if !dec.Allowed {
		g.audit(req, loc, dec)
		return d.reject(http.StatusForbidden, dec.Err())
	}
	d.advance(StateLookingUp)

	entry, hit, err := g.cache.GetOrFetch(ctx, loc.Bucket, loc.Key, g.fetcher(loc))
	d.out.CacheHit = hit
	if err != nil {
		return d.lookupFailed(err)
	}
	if req.HeadOnly && hit {
		// No body is read for HEAD, so nothing else would notice a stale entry.
		entry, err = g.confirm(ctx, entry)
		if err != nil {
			return d.lookupFailed(err)
		}
	}
	d.advance(StateStreaming)

	opts := StreamOptions{HeadOnly: req.HeadOnly, CacheControl: g.cacheControl(req.Ref.tier)}
	res, err := g.streamer.Stream(ctx, entry, req.Range, w, opts)
	if ErrObjectNotFound.Has(err) && hit {
		// The cached entry was stale and has been invalidated by the
		// streamer. Check the store once more before giving up.
		g.log.Debug("cached object missing from store, rechecking",
			zap.String("bucket", loc.Bucket), zap.String("key", loc.Key))
		entry, _, err = g.cache.GetOrFetch(ctx, loc.Bucket, loc.Key, g.fetcher(loc))
		if err != nil {
			return d.lookupFailed(err)
		}
		res, err = g.streamer.Stream(ctx, entry, req.Range, w, opts)
	}
	d.out.Result = res

	switch {
	case err == nil:
		return d.finish(StateDone, res.Status, nil)
	case ErrRangeNotSatisfiable.Has(err):
		return d.reject(http.StatusRequestedRangeNotSatisfiable, err)
	case ErrObjectNotFound.Has(err):
		return d.reject(http.StatusNotFound, err)
	case ErrStreamAborted.Has(err):
		g.log.Warn("stream aborted",
			zap.String("bucket", loc.Bucket), zap.String("key", loc.Key),
			zap.Int64("bytes_sent", res.BytesSent), zap.Error(err))
		return d.fail(http.StatusBadGateway, err)
	default:
		g.log.Error("backing store error while streaming",
			zap.String("bucket", loc.Bucket), zap.String("key", loc.Key), zap.Error(err))
		return d.fail(http.StatusServiceUnavailable, err)
	}
}

func (d *delivery) lookupFailed(err error) Outcome {
	if errors.Is(err, storage.ErrNotFound) {
		return d.reject(http.StatusNotFound, ErrObjectNotFound.Wrap(err))
	}
	d.g.log.Error("metadata lookup failed",
		zap.String("bucket", d.out.Location.Bucket), zap.String("key", d.out.Location.Key), zap.Error(err))
	return d.fail(http.StatusServiceUnavailable, ErrBackingStoreUnavailable.Wrap(err))
}

// confirm checks a cached entry against the store, dropping it when the
// object is gone or has changed.
func (g *Gateway) confirm(ctx context.Context, entry metacache.Entry) (metacache.Entry, error) {
	info, err := g.store.HeadObject(ctx, entry.Bucket, entry.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.cache.Invalidate(entry.Bucket, entry.Key)
		}
		return entry, err
	}
	if info.Size != entry.Size || info.ContentType != entry.ContentType {
		g.cache.Invalidate(entry.Bucket, entry.Key)
		entry.Size, entry.ContentType = info.Size, info.ContentType
	}
	return entry, nil
}

func (g *Gateway) fetcher(loc Location) metacache.FetchFunc {
	return func(ctx context.Context) (storage.ObjectInfo, error) {
		return g.store.HeadObject(ctx, loc.Bucket, loc.Key)
	}
}

func (g *Gateway) cacheControl(t Tier) string {
	if t == TierPublic {
		return g.publicCacheControl
	}
	return "private, no-store"
}

// audit records an authorization denial.
func (g *Gateway) audit(req Request, loc Location, dec Decision) {
	principalID := ""
	if req.Principal != nil {
		principalID = req.Principal.ID
	}
	g.log.Info("delivery denied",
		zap.String("reason", string(dec.Reason)),
		zap.String("tier", req.Ref.tier.String()),
		zap.String("bucket", loc.Bucket),
		zap.String("key", loc.Key),
		zap.String("principal", principalID),
	)
}
