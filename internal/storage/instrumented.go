package storage

import (
	"context"
	"io"
	"time"
)

// Observer receives the outcome and duration of every store operation.
type Observer interface {
	ObserveStorage(op string, err error, dur time.Duration)
}

// Instrumented wraps an ObjectStore and reports each call to an Observer.
type Instrumented struct {
	next ObjectStore
	obs  Observer
}

// NewInstrumented returns next wrapped with obs.
func NewInstrumented(next ObjectStore, obs Observer) *Instrumented {
	return &Instrumented{next: next, obs: obs}
}

func (s *Instrumented) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	start := time.Now()
	info, err := s.next.HeadObject(ctx, bucket, key)
	s.obs.ObserveStorage("head", err, time.Since(start))
	return info, err
}

// GetObjectRange measures the time to open the object, not to drain it.
func (s *Instrumented) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	began := time.Now()
	rc, err := s.next.GetObjectRange(ctx, bucket, key, start, end)
	s.obs.ObserveStorage("get", err, time.Since(began))
	return rc, err
}

func (s *Instrumented) Upload(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.next.Upload(ctx, bucket, key, reader, size, contentType)
	s.obs.ObserveStorage("put", err, time.Since(start))
	return err
}

func (s *Instrumented) Delete(ctx context.Context, bucket, key string) error {
	start := time.Now()
	err := s.next.Delete(ctx, bucket, key)
	s.obs.ObserveStorage("delete", err, time.Since(start))
	return err
}
