// Package bridge exposes the loader to its consumers: in-process through
// Service, and remotely through the scoreload.v1.Loader gRPC service.
package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/scoreload/internal/metrics"
	"github.com/ChuLiYu/scoreload/internal/pool"
	"github.com/ChuLiYu/scoreload/pkg/types"
)

// StartRequest asks for one file to be loaded.
type StartRequest struct {
	FilePath     string      `json:"filePath"`
	JobID        types.JobID `json:"jobId,omitempty"`
	DeclaredSize int64       `json:"declaredSize,omitempty"`
	Wait         bool        `json:"wait,omitempty"` // block until the result is available
}

// StartResponse acknowledges an accepted load. Result is set only for
// waiting requests.
type StartResponse struct {
	JobID  types.JobID             `json:"jobId"`
	Result *types.ProcessingResult `json:"result,omitempty"`
}

// FetchRequest names a cached result.
type FetchRequest struct {
	JobID types.JobID `json:"jobId"`
}

// FetchResponse carries a cached result if one is present.
type FetchResponse struct {
	Found         bool                    `json:"found"`
	Content       string                  `json:"content,omitempty"`
	FileName      string                  `json:"fileName,omitempty"`
	FileSizeBytes int64                   `json:"fileSizeBytes,omitempty"`
	Metadata      *types.DocumentMetadata `json:"metadata,omitempty"`
	Version       uint64                  `json:"version,omitempty"`
}

// SubscribeRequest selects the events a subscriber receives. Empty Kinds
// means every kind; empty JobID means every job.
type SubscribeRequest struct {
	Kinds []pool.EventKind `json:"kinds,omitempty"`
	JobID types.JobID      `json:"jobId,omitempty"`
}

// EventMessage is the wire form of a pool event.
type EventMessage struct {
	Kind   pool.EventKind          `json:"kind"`
	JobID  types.JobID             `json:"jobId"`
	Chunk  *types.ChunkEvent       `json:"chunk,omitempty"`
	Result *types.ProcessingResult `json:"result,omitempty"`
	Error  *types.ErrorInfo        `json:"error,omitempty"`
}

// NewEventMessage converts a pool event.
func NewEventMessage(ev pool.Event) EventMessage {
	return EventMessage{Kind: ev.Kind, JobID: ev.JobID, Chunk: ev.Chunk, Result: ev.Result, Error: ev.Error}
}

// Service is the loader boundary: start loads, fetch cached results,
// subscribe to events and shut down.
type Service struct {
	pool    *pool.Manager
	metrics *metrics.Collector
	log     *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService wraps m. collector may be nil.
func NewService(m *pool.Manager, collector *metrics.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: m, metrics: collector, log: logger}
}

// MaxWorkers returns the worker ceiling the pool enforces.
func (s *Service) MaxWorkers() int { return s.pool.MaxWorkers() }

// StartLoad submits a load. Rejections are returned as errors; accepted
// loads return their job id and, with Wait, the result.
func (s *Service) StartLoad(ctx context.Context, req StartRequest) (StartResponse, error) {
	p, err := s.pool.Submit(ctx, pool.Request{
		FilePath:     req.FilePath,
		JobID:        req.JobID,
		DeclaredSize: req.DeclaredSize,
	})
	if err != nil {
		s.log.Debug("Load rejected", "path", req.FilePath, "error", err)
		return StartResponse{}, err
	}

	resp := StartResponse{JobID: p.JobID()}
	if !req.Wait {
		return resp, nil
	}
	res, err := p.Wait(ctx)
	if res == nil {
		return resp, err
	}
	resp.Result = res
	return resp, nil
}

// FetchCached returns the cached result for a job.
func (s *Service) FetchCached(_ context.Context, req FetchRequest) FetchResponse {
	entry, ok := s.pool.Cache().Get(req.JobID)
	s.metrics.RecordCacheLookup(ok)
	if !ok {
		return FetchResponse{}
	}
	return FetchResponse{
		Found:         true,
		Content:       entry.Content,
		FileName:      entry.FileName,
		FileSizeBytes: entry.FileSizeBytes,
		Metadata:      entry.Metadata,
		Version:       entry.Version,
	}
}

// Subscribe registers an event consumer. Call Unsubscribe when done.
func (s *Service) Subscribe(buffer int, kinds ...pool.EventKind) *pool.Subscription {
	return s.pool.Subscribe(buffer, kinds...)
}

// Unsubscribe releases a subscription.
func (s *Service) Unsubscribe(sub *pool.Subscription) {
	s.pool.Unsubscribe(sub)
}

// Shutdown drains and terminates every worker. Only the first call does
// any work; later calls return its error.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.pool.Shutdown(ctx)
	})
	return s.shutdownErr
}
