package hookz

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/hookz/hooks"
	"github.com/zoobzio/hookz/manifest"
	"github.com/zoobzio/hookz/shim"
)

// TraceHandler is called when a trace completes.
type TraceHandler func(trace Trace)

type handlerEntry struct {
	handler TraceHandler
	id      uint64
	async   bool
}

// PatchSpec patches one version range of a module for this tracer.
type PatchSpec = hooks.Spec[*API]

// RootSpanOptions configures a root span.
type RootSpanOptions struct {
	// GetHeader reads an incoming request header. Optional.
	GetHeader func(key string) string
	// SetHeader writes an outgoing response header. Optional.
	SetHeader func(key, value string)
	Name      string
	// URL is consulted by the sampling policy.
	URL string
	// SkipFrames drops extra caller frames from the stack trace label.
	SkipFrames int
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(t *Tracer) {
		t.config = cfg
	}
}

// WithLogger sets the diagnostics logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPolicy overrides the sampling policy derived from the config.
func WithPolicy(p Policy) Option {
	return func(t *Tracer) {
		t.policy = p
	}
}

// WithResolver sets how installed module versions are found.
// Defaults to manifest.Auto().
func WithResolver(r manifest.Resolver) Option {
	return func(t *Tracer) {
		t.resolver = r
	}
}

// WithRegisterer registers the tracer's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracer) {
		t.registerer = reg
	}
}

// Tracer owns span lifecycle, the trace buffer and the patch registry.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers   []handlerEntry
	panicHook  func(handlerID uint64, r interface{})
	workers    *workerPool
	spanIDPool atomic.Pointer[IDPool]
	buffer     *Buffer
	registry   *hooks.Registry[*API]
	policy     Policy
	resolver   manifest.Resolver
	registerer prometheus.Registerer
	metrics    *metrics
	logger     *zap.Logger
	clock      clockz.Clock
	opts       []Option
	config     Config

	handlersLock      sync.RWMutex
	idPoolOnce        sync.Once
	nextID            atomic.Uint64
	droppedDeliveries atomic.Uint64
}

// New creates a tracer using the real clock.
func New(opts ...Option) *Tracer {
	return newTracer(clockz.RealClock, opts)
}

// WithClock returns a new tracer with the same options and the given clock.
// Enables clock injection for deterministic testing.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	var opts []Option
	if t != nil {
		opts = t.opts
	}
	return newTracer(clock, opts)
}

func newTracer(clock clockz.Clock, opts []Option) *Tracer {
	t := &Tracer{
		handlers: make([]handlerEntry, 0),
		clock:    clock,
		config:   DefaultConfig(),
		logger:   zap.NewNop(),
		opts:     opts,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.config.Validate(); err != nil {
		t.logger.Warn("invalid tracer config", zap.Error(err))
	}
	if t.policy == nil {
		p, err := t.config.Policy()
		if err != nil {
			t.logger.Warn("invalid sampling config, tracing everything", zap.Error(err))
			p = AlwaysTrace{}
		}
		t.policy = p
	}
	if t.resolver == nil {
		t.resolver = manifest.Auto()
	}

	t.metrics = newMetrics(t.registerer)
	t.buffer = NewBuffer(t.config.BufferSize)
	t.buffer.onDrop = func(dropped Trace) {
		t.metrics.dropped.Inc()
		t.logger.Debug("buffer full, dropped oldest trace", zap.String("trace", dropped.TraceID))
	}
	t.registry = hooks.NewRegistry[*API](t.resolver, t.newAPI,
		hooks.WithLogger(t.logger),
		hooks.WithObserver(t.metrics.observePatch),
	)
	return t
}

func (t *Tracer) newAPI(module string, tracker *shim.Tracker) *API {
	return &API{tracer: t, tracker: tracker, module: module}
}

func (t *Tracer) ensureIDPool() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		t.spanIDPool.Store(NewIDPool(runtime.NumCPU()*100, spanIDGenerator(t.clock)))
	})
}

func (t *Tracer) newSpanID() string {
	t.ensureIDPool()
	return t.spanIDPool.Load().Get()
}

// Config returns the tracer's configuration.
func (t *Tracer) Config() Config {
	return t.config
}

// Logger returns the diagnostics logger.
func (t *Tracer) Logger() *zap.Logger {
	return t.logger
}

// Buffer returns the completed-trace buffer.
func (t *Tracer) Buffer() *Buffer {
	return t.buffer
}

// RunInRootSpan starts a trace and calls fn with a ctx carrying its root
// span. fn receives a nil span, and ctx unchanged, when tracing is
// disabled, a root is already active in ctx, the incoming trace-context
// header opts out, or the sampling policy declines. fn must end the span.
func (t *Tracer) RunInRootSpan(ctx context.Context, opts RootSpanOptions, fn func(ctx context.Context, root *Span)) {
	if ctx == nil {
		ctx = context.Background()
	}
	root := t.startRoot(ctx, opts)
	if root == nil {
		fn(ctx, nil)
		return
	}
	fn(ContextWithSpan(ctx, root), root)
}

func (t *Tracer) startRoot(ctx context.Context, opts RootSpanOptions) *Span {
	if !t.config.Enabled {
		return nil
	}
	if active := SpanFromContext(ctx); active != nil && !active.trace.isComplete() {
		t.logger.Debug("root span requested inside an active trace",
			zap.String("span", opts.Name),
			zap.String("trace", active.TraceID()),
		)
		return nil
	}

	var incoming HeaderContext
	if opts.GetHeader != nil {
		if value := opts.GetHeader(TraceContextHeader); value != "" {
			hc, err := ParseTraceContext(value)
			if err != nil {
				t.logger.Debug("ignoring trace context header", zap.Error(err))
			} else {
				if hc.Suppressed() {
					return nil
				}
				incoming = hc
			}
		}
	}

	if !t.policy.ShouldTrace(t.clock.Now(), opts.URL) {
		return nil
	}

	traceID := incoming.TraceID
	if traceID == "" {
		traceID = newTraceID(t.clock)
	}
	sc := SpanContext{
		TraceID:      traceID,
		SpanID:       t.newSpanID(),
		ParentSpanID: incoming.SpanID,
		IsRoot:       true,
	}
	ts := &traceState{id: traceID}
	root := t.newSpan(opts.Name, sc, ts, opts.SkipFrames)
	ts.root = root

	if opts.SetHeader != nil {
		opts.SetHeader(TraceContextHeader, FormatTraceContext(traceID, sc.SpanID, 1))
	}
	return root
}

// CreateChildSpan starts a child of the span active in ctx. Without an
// active span it returns ctx unchanged and a no-op span.
func (t *Tracer) CreateChildSpan(ctx context.Context, opts SpanOptions) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent := SpanFromContext(ctx)
	if parent == nil {
		return ctx, noopSpan
	}
	if parent.trace.isComplete() {
		t.logger.Debug("child span requested after its trace completed",
			zap.String("span", opts.Name),
			zap.String("trace", parent.sc.TraceID),
		)
		return ctx, noopSpan
	}

	sc := SpanContext{
		TraceID:      parent.sc.TraceID,
		SpanID:       t.newSpanID(),
		ParentSpanID: parent.sc.SpanID,
	}
	span := t.newSpan(opts.Name, sc, parent.trace, opts.SkipFrames)
	return ContextWithSpan(ctx, span), span
}

func (t *Tracer) newSpan(name string, sc SpanContext, ts *traceState, skip int) *Span {
	span := &Span{
		sc:     sc,
		trace:  ts,
		tracer: t,
		data: SpanData{
			Name:         name,
			SpanID:       sc.SpanID,
			ParentSpanID: sc.ParentSpanID,
			StartTime:    t.clock.Now(),
		},
	}
	if t.config.StackTraceLimit > 0 {
		if stack := captureStack(t.config.StackTraceLimit, skip); stack != "" {
			span.data.Labels.Set(LabelStackTrace, stack)
		}
	}
	return span
}

func (t *Tracer) completeTrace(trace Trace) {
	t.buffer.Add(trace)
	t.metrics.buffered.Inc()
	t.executeHandlers(trace)
}

func (t *Tracer) lateSpan(sc SpanContext, data SpanData) {
	t.buffer.recordLate()
	t.metrics.late.Inc()
	t.logger.Warn("span closed after its trace completed, dropping it",
		zap.String("span", data.Name),
		zap.String("trace", sc.TraceID),
		zap.String("span_id", sc.SpanID),
	)
}

// Register adds version-ranged patches for module name.
func (t *Tracer) Register(name string, specs ...PatchSpec) error {
	return t.registry.Register(name, specs...)
}

// Load hands a freshly loaded module to the registry. site is a path inside
// the module, normally manifest.SiteOf of one of its functions; empty means
// a builtin module. Returns true when a patch was applied.
func (t *Tracer) Load(importPath string, module any, site string) bool {
	if !t.config.Enabled {
		return false
	}
	return t.registry.Load(importPath, module, site)
}

// Patched reports whether module is currently patched.
func (t *Tracer) Patched(module any) bool {
	return t.registry.Patched(module)
}

// PatchedVersion returns the resolved version module was patched for.
func (t *Tracer) PatchedVersion(module any) (string, bool) {
	return t.registry.Version(module)
}

// Unpatch restores module to its unpatched behavior.
func (t *Tracer) Unpatch(module any) bool {
	return t.registry.Unpatch(module)
}

// UnpatchAll restores every patched module.
func (t *Tracer) UnpatchAll() {
	t.registry.UnpatchAll()
}

// OnTraceComplete registers a synchronous handler called when traces complete.
func (t *Tracer) OnTraceComplete(handler TraceHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnTraceCompleteAsync registers an asynchronous handler called when traces complete.
func (t *Tracer) OnTraceCompleteAsync(handler TraceHandler) uint64 {
	return t.registerHandler(handler, true)
}

func (t *Tracer) registerHandler(handler TraceHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	for i, h := range t.handlers {
		if h.id == id {
			t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
			return
		}
	}
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.panicHook = hook
}

func (t *Tracer) executeHandlers(trace Trace) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}
	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	hook := t.panicHook
	workers := t.workers
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		// Every handler gets its own copy so none can corrupt another's view.
		entry, snapshot := h, trace.clone()
		if !entry.async {
			t.safeCall(entry, hook, snapshot)
			continue
		}
		if workers != nil {
			if !workers.submit(func() { t.safeCall(entry, hook, snapshot) }) {
				t.droppedDeliveries.Add(1)
			}
			continue
		}
		go t.safeCall(entry, hook, snapshot)
	}
}

func (t *Tracer) safeCall(entry handlerEntry, hook func(uint64, interface{}), trace Trace) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("trace handler panicked",
				zap.Uint64("handler", entry.id),
				zap.Any("panic", r),
			)
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()
	entry.handler(trace)
}

// EnableWorkerPool runs async handlers on a bounded pool. Deliveries that
// find the queue full are dropped and counted.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}
	t.workers = newWorkerPool(workers, queueSize)
	return nil
}

// DroppedDeliveries returns how many async handler calls were dropped
// because the worker queue was full.
func (t *Tracer) DroppedDeliveries() uint64 {
	return t.droppedDeliveries.Load()
}

// Reset clears the buffer and its counters.
func (t *Tracer) Reset() {
	t.buffer.Reset()
}

// Close removes every patch and handler and stops background work.
// Buffered traces stay available through Buffer.
func (t *Tracer) Close() {
	t.registry.UnpatchAll()

	t.handlersLock.Lock()
	t.handlers = nil
	workers := t.workers
	t.workers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks.
	if workers != nil {
		workers.shutdown()
	}
	if pool := t.spanIDPool.Load(); pool != nil {
		pool.Close()
	}
}
