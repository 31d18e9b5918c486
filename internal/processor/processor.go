// ============================================================================
// scoreload file processor
// ============================================================================
//
// Package: internal/processor
// File: processor.go
// Purpose: validate, read and parse one score file inside a worker
//
// Pipeline:
//   1. path      - absolute, no traversal (before any filesystem access)
//   2. extension - .musicxml | .xml | .mxl
//   3. stat      - regular file, size <= MaxFileBytes
//   4a. sync     - size <= StreamThreshold or archive: read whole, validate
//   4b. stream   - plain file above the threshold: ReadChunkBytes at a time
//                  through the streaming parser, events forwarded to the Sink
//   5. metadata  - best effort, failure only omits it
//
// Failures never escape as panics or Go errors: every outcome is a
// ProcessingResult, failures carry an ErrorInfo.
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/scoreload/internal/stream"
	"github.com/ChuLiYu/scoreload/internal/validate"
	"github.com/ChuLiYu/scoreload/pkg/types"
)

// Defaults
const (
	DefaultMaxFileBytes    int64 = 100 * 1024 * 1024
	DefaultStreamThreshold int64 = 1024 * 1024
	DefaultReadChunkBytes        = 64 * 1024
)

// Config tunes a Processor.
type Config struct {
	MaxFileBytes     int64         // hard ceiling on file size
	StreamThreshold  int64         // files above this size are streamed
	ReadChunkBytes   int           // read size while streaming
	MaxInflatedBytes int64         // ceiling on the inflated archive member, 0 uses MaxFileBytes
	RootElements     []string      // accepted document roots
	Parser           stream.Config // streaming parser settings
	SkipMetadata     bool          // disable the metadata pass
}

// DefaultConfig returns the default processor settings.
func DefaultConfig() Config {
	return Config{
		MaxFileBytes:    DefaultMaxFileBytes,
		StreamThreshold: DefaultStreamThreshold,
		ReadChunkBytes:  DefaultReadChunkBytes,
		RootElements:    validate.DefaultRootElements,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.StreamThreshold <= 0 {
		c.StreamThreshold = DefaultStreamThreshold
	}
	if c.ReadChunkBytes <= 0 {
		c.ReadChunkBytes = DefaultReadChunkBytes
	}
	if c.MaxInflatedBytes <= 0 {
		c.MaxInflatedBytes = c.MaxFileBytes
	}
	if len(c.RootElements) == 0 {
		c.RootElements = validate.DefaultRootElements
	}
	if len(c.Parser.RootElements) == 0 {
		c.Parser.RootElements = c.RootElements
	}
	c.Parser.RequireDeclaration = true
	return c
}

// Task is one unit of work handed to a worker.
type Task struct {
	JobID        types.JobID `json:"job_id"`
	FilePath     string      `json:"file_path"`
	DeclaredSize int64       `json:"declared_size,omitempty"`
}

// Sink receives chunk events while a document streams. Emit may block to
// apply backpressure and should return ctx.Err() if ctx ends first.
type Sink interface {
	Emit(ctx context.Context, ev types.ChunkEvent) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev types.ChunkEvent) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev types.ChunkEvent) error { return f(ctx, ev) }

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(context.Context, types.ChunkEvent) error { return nil })

// Processor runs tasks. It holds no per-task state and is safe for concurrent use.
type Processor struct {
	cfg Config
	log *slog.Logger
}

// New creates a Processor. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{cfg: cfg.withDefaults(), log: logger}
}

// Config returns the effective configuration.
func (p *Processor) Config() Config { return p.cfg }

// Process runs one task to completion.
func (p *Processor) Process(ctx context.Context, task Task, sink Sink) types.ProcessingResult {
	start := time.Now()
	if sink == nil {
		sink = Discard
	}
	fileName := filepath.Base(task.FilePath)

	fail := func(err error) types.ProcessingResult {
		if ctxErr := ctx.Err(); ctxErr != nil && !isCoded(err) {
			err = contextError(ctxErr)
		}
		res := types.FailedResult(task.JobID, fileName, err)
		res.Timing.TotalTime = time.Since(start)
		p.log.Debug("Task failed", "jobID", task.JobID, "path", task.FilePath, "error", err)
		return res
	}

	path, err := validate.Path(task.FilePath)
	if err != nil {
		return fail(err)
	}
	ext, err := validate.Extension(path)
	if err != nil {
		return fail(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fail(types.Errorf(types.CodeIO, "stat", "file not found: %s", path))
		}
		return fail(types.Wrap(types.CodeIO, "stat", err))
	}
	if !info.Mode().IsRegular() {
		return fail(types.Errorf(types.CodeInvalidPath, "stat", "%s is not a regular file", path))
	}
	if info.Size() > p.cfg.MaxFileBytes {
		return fail(types.Errorf(types.CodeFileTooLarge, "stat",
			"%d bytes exceeds limit of %d", info.Size(), p.cfg.MaxFileBytes))
	}
	if err := ctx.Err(); err != nil {
		return fail(contextError(err))
	}

	var (
		content  []byte
		timing   types.Timing
		streamed bool
		units    int
	)
	switch {
	case validate.IsArchive(ext):
		content, timing, err = p.readArchive(ctx, path)
	case info.Size() <= p.cfg.StreamThreshold:
		content, timing, err = p.readWhole(ctx, path)
	default:
		streamed = true
		content, units, timing, err = p.readStreaming(ctx, task.JobID, path, info.Size(), sink)
	}
	if err != nil {
		return fail(err)
	}

	res := types.ProcessingResult{
		JobID:         task.JobID,
		Success:       true,
		Content:       string(content),
		FileName:      fileName,
		FileSizeBytes: info.Size(),
		Streamed:      streamed,
		Units:         units,
	}
	if !streamed || !p.cfg.SkipMetadata {
		meta, n, err := scanDocument(content, p.cfg.Parser.UnitElement)
		if err != nil {
			p.log.Debug("Metadata pass failed", "jobID", task.JobID, "error", err)
		} else {
			if !streamed {
				res.Units = n
			}
			if !p.cfg.SkipMetadata {
				res.Metadata = meta
			}
		}
	}

	timing.TotalTime = time.Since(start)
	res.Timing = timing
	return res
}

func (p *Processor) readWhole(ctx context.Context, path string) ([]byte, types.Timing, error) {
	var timing types.Timing

	t0 := time.Now()
	content, err := os.ReadFile(path)
	timing.ReadTime = time.Since(t0)
	if err != nil {
		return nil, timing, types.Wrap(types.CodeIO, "read", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, timing, contextError(err)
	}

	t1 := time.Now()
	err = validate.Document(content, p.cfg.RootElements)
	timing.ParseTime = time.Since(t1)
	if err != nil {
		return nil, timing, err
	}
	return content, timing, nil
}

func (p *Processor) readStreaming(ctx context.Context, jobID types.JobID, path string, size int64, sink Sink) ([]byte, int, types.Timing, error) {
	var timing types.Timing

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, timing, types.Wrap(types.CodeIO, "open", err)
	}
	defer f.Close()

	pcfg := p.cfg.Parser
	pcfg.SizeHint = int(size)
	parser := stream.NewParser(pcfg, func(ev types.ChunkEvent) error {
		ev.JobID = jobID
		return sink.Emit(ctx, ev)
	})

	buf := make([]byte, p.cfg.ReadChunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, timing, contextError(err)
		}

		t0 := time.Now()
		n, rerr := f.Read(buf)
		timing.ReadTime += time.Since(t0)

		if n > 0 {
			t1 := time.Now()
			_, werr := parser.Write(buf[:n])
			timing.ParseTime += time.Since(t1)
			if werr != nil {
				return nil, 0, timing, parseError(ctx, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, 0, timing, types.Wrap(types.CodeIO, "read", rerr)
		}
	}

	t1 := time.Now()
	err = parser.Close()
	timing.ParseTime += time.Since(t1)
	if err != nil {
		return nil, 0, timing, parseError(ctx, err)
	}
	return []byte(parser.Content()), parser.Units(), timing, nil
}

// parseError keeps coded parser errors and maps sink failures caused by
// cancellation to the context's error.
func parseError(ctx context.Context, err error) error {
	if isCoded(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr)
	}
	return types.Wrap(types.CodeInternal, "parse", err)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Wrap(types.CodeTimeout, "process", err)
	}
	return types.Wrap(types.CodeShutdown, "process", err)
}

func isCoded(err error) bool {
	var e *types.Error
	return errors.As(err, &e)
}
