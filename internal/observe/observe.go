package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("memoir")

// Observer handles logging and tracing
type Observer struct {
	log *bolt.Logger
}

// New creates a new Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	return newObserver(bolt.New(bolt.NewConsoleHandler(out)), verbose)
}

// NewJSON creates a new Observer with JSON output.
// If verbose is false, only warnings and errors are shown.
func NewJSON(out io.Writer, verbose bool) *Observer {
	return newObserver(bolt.New(bolt.NewJSONHandler(out)), verbose)
}

// Nop returns an Observer that discards everything.
func Nop() *Observer {
	return New(io.Discard, false)
}

func newObserver(l *bolt.Logger, verbose bool) *Observer {
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// Log returns the underlying logger
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a new OTel span
func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func (o *Observer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Close ensures any buffered logs or traces are flushed (placeholder)
func (o *Observer) Close() error {
	return nil
}
