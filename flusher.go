package hookz

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Transport delivers completed traces somewhere.
type Transport interface {
	Send(ctx context.Context, traces []Trace) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, traces []Trace) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, traces []Trace) error {
	return f(ctx, traces)
}

// WriterTransport writes one JSON trace per line.
type WriterTransport struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterTransport writes traces to w.
func NewWriterTransport(w io.Writer) *WriterTransport {
	return &WriterTransport{w: w}
}

// Send encodes traces as newline-delimited JSON.
func (t *WriterTransport) Send(ctx context.Context, traces []Trace) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	enc := json.NewEncoder(t.w)
	for _, trace := range traces {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(trace); err != nil {
			return errors.Wrapf(err, "failed to write trace %s", trace.TraceID)
		}
	}
	return nil
}

// Flusher periodically drains a tracer's buffer into a Transport.
// Failed sends are logged and their traces dropped.
type Flusher struct {
	tracer    *Tracer
	transport Transport
	stop      chan struct{}
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewFlusher creates a flusher for tracer. Call Start to begin flushing.
func NewFlusher(tracer *Tracer, transport Transport) *Flusher {
	return &Flusher{tracer: tracer, transport: transport}
}

// Start flushes every Config.FlushInterval on the tracer's clock until Stop.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return
	}
	f.running = true
	f.stop = make(chan struct{})
	f.done = make(chan struct{})

	interval := f.tracer.config.FlushInterval
	if interval <= 0 {
		interval = DefaultConfig().FlushInterval
	}
	go f.loop(interval, f.stop, f.done)
}

func (f *Flusher) loop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-f.tracer.clock.After(interval):
			if _, err := f.Flush(context.Background()); err != nil {
				f.tracer.logger.Warn("trace flush failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// Stop ends the flush loop and sends whatever is still buffered.
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		close(f.stop)
		<-f.done
		f.running = false
	}
	f.mu.Unlock()

	_, err := f.Flush(ctx)
	return err
}

// Flush sends the buffered traces now and returns how many were delivered.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	traces := f.tracer.buffer.Drain()
	if len(traces) == 0 {
		return 0, nil
	}
	if err := f.transport.Send(ctx, traces); err != nil {
		f.tracer.metrics.dropped.Add(float64(len(traces)))
		return 0, errors.Wrapf(err, "dropped %d traces", len(traces))
	}
	f.tracer.metrics.exported.Add(float64(len(traces)))
	f.tracer.logger.Debug("flushed traces", zap.Int("count", len(traces)))
	return len(traces), nil
}
