// Package engine exposes the atomic document operations an agent performs on
// a live collaborative document. Every operation borrows the document's
// session, computes positions against the current tree while holding the
// session lock, applies its change and reports a Result. Failures never
// escape as errors or panics; they are reported as unsuccessful results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docagent/api/internal/binding"
	"docagent/api/internal/export"
	"docagent/api/internal/metrics"
	"docagent/api/internal/session"
)

// Code classifies an unsuccessful result.
type Code string

const (
	CodeSyncTimeout       Code = "SYNC_TIMEOUT"
	CodeConnectFailed     Code = "CONNECT_FAILED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidSelection  Code = "INVALID_SELECTION"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeTransformFailure  Code = "TRANSFORM_FAILURE"
	CodeExportUnavailable Code = "EXPORT_UNAVAILABLE"
)

// Position is a range of flat document positions.
type Position struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Result is the outcome of an operation.
type Result struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	Position *Position `json:"position,omitempty"`
	Code     Code      `json:"code,omitempty"`
}

func ok(message string, pos *Position) Result {
	return Result{Success: true, Message: message, Position: pos}
}

func fail(code Code, format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...), Code: code}
}

// Sessions hands out the live session of a document.
type Sessions interface {
	Connect(ctx context.Context, id session.Identity) (*session.Session, error)
	Disconnect(ctx context.Context, id session.Identity)
}

type Options struct {
	Exporter *export.Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Engine struct {
	sessions Sessions
	exporter *export.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(sessions Sessions, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Exporter == nil {
		opts.Exporter = export.NewService(opts.Logger)
	}
	return &Engine{
		sessions: sessions,
		exporter: opts.Exporter,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("engine"),
	}
}

// run executes fn against the synced view of id and records the outcome.
func (e *Engine) run(ctx context.Context, op string, id session.Identity, fn func(b *binding.Binding) Result) Result {
	started := time.Now()
	res := e.execute(ctx, op, id, fn)
	e.observe(op, id, res, started)
	return res
}

func (e *Engine) execute(ctx context.Context, op string, id session.Identity, fn func(b *binding.Binding) Result) Result {
	// A session closed between Connect and Do is reacquired once; fn has not
	// run at that point.
	for attempt := 0; ; attempt++ {
		s, err := e.sessions.Connect(ctx, id)
		if err != nil {
			return connectFailure(err)
		}
		var res Result
		err = s.Do(func(b *binding.Binding) error {
			res = guard(e.logger, op, func() Result { return fn(b) })
			return nil
		})
		if errors.Is(err, session.ErrClosed) && attempt == 0 {
			continue
		}
		if err != nil {
			return fail(CodeConnectFailed, "session unavailable: %v", err)
		}
		return res
	}
}

// guard converts a panic raised while transforming the document into a
// failed result.
func guard(logger *zap.Logger, op string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("operation panicked", zap.String("operation", op), zap.Any("panic", r), zap.Stack("stack"))
			res = fail(CodeTransformFailure, "transformation failed: %v", r)
		}
	}()
	return fn()
}

func connectFailure(err error) Result {
	switch {
	case errors.Is(err, session.ErrInvalidIdentity):
		return fail(CodeInvalidArgument, "%v", err)
	case errors.Is(err, session.ErrSyncTimeout), errors.Is(err, context.DeadlineExceeded):
		return fail(CodeSyncTimeout, "document did not sync in time: %v", err)
	default:
		return fail(CodeConnectFailed, "could not connect to document: %v", err)
	}
}

func (e *Engine) observe(op string, id session.Identity, res Result, started time.Time) {
	took := time.Since(started)
	code := string(res.Code)
	if res.Success {
		code = "OK"
	}
	e.metrics.ObserveOperation(op, code, took)

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("document", id.DocumentURL),
		zap.String("code", code),
		zap.Duration("took", took),
	}
	if res.Success {
		e.logger.Info("operation applied", fields...)
		return
	}
	e.logger.Info("operation failed", append(fields, zap.String("message", res.Message))...)
}
