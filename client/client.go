package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/rocketbitz/tapasco-go/pe"
)

var (
	// ErrClosed indicates the client has already been closed.
	ErrClosed = errors.New("tapasco client: closed")
	// ErrNoDevice indicates that Config.Device was not set.
	ErrNoDevice = errors.New("tapasco client: device required")
	// ErrNoDMA indicates a copy on a client without DMA channels or host memory.
	ErrNoDMA = errors.New("tapasco client: dma not configured")
	// ErrTooManyArgs indicates more job arguments than a slot has registers.
	ErrTooManyArgs = errors.New("tapasco client: too many job arguments")
)

const (
	defaultTimeout          = 5 * time.Second
	defaultDeviceMemory     = "256MiB"
	defaultBounceBufferSize = 64 * units.KiB
	defaultBounceBuffers    = 8
	deviceMemoryBlock       = 64
)

// Config controls Open behaviour for the high-level Client.
type Config struct {
	// Name labels logs and metrics. Defaults to "tapasco".
	Name   string
	Device pe.Device
	// Composition describes the slots of Device. When nil it is loaded
	// from CompositionPath.
	Composition     *pe.Composition
	CompositionPath string
	// DeviceMemory is the allocatable device memory, e.g. "256MiB".
	DeviceMemory     string
	DeviceMemoryBase uint64
	// DMAChannels lists the register base of every DMA channel.
	DMAChannels          []uint64
	BounceBufferSize     int
	BounceBufferCapacity int
	// Workers sets the RunAsync worker count. Defaults to the slot count.
	Workers          int
	QueueDepth       int
	Timeout          time.Duration
	PollInterval     time.Duration
	PerfCounters     bool
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client runs jobs and moves data on one device.
type Client struct {
	cfg      Config
	session  string
	rt       *pe.Runtime
	mem      *pe.Allocator
	bounce   *pe.BufferPool
	closed   atomic.Bool
	queue    chan *operation
	submitMu sync.RWMutex
	stopCh   chan struct{}
	stopCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	workers  int
	memBytes int64

	handlersMu sync.RWMutex
	handlers   map[uint64]CompletionHandler
	handlerSeq atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// Logger provides debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher and DMA activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for client operations.
type Stats struct {
	JobsSubmitted      uint64
	JobsCompleted      uint64
	JobsFailed         uint64
	TransfersCompleted uint64
	TransfersFailed    uint64
	BytesToDevice      uint64
	BytesFromDevice    uint64
	Interrupts         uint64
	SlotFaults         uint64
}

type clientStats struct {
	jobsSubmitted      atomic.Uint64
	jobsCompleted      atomic.Uint64
	jobsFailed         atomic.Uint64
	transfersCompleted atomic.Uint64
	transfersFailed    atomic.Uint64
	bytesToDevice      atomic.Uint64
	bytesFromDevice    atomic.Uint64
	interrupts         atomic.Uint64
	slotFaults         atomic.Uint64
}

// MetricHook captures client telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	JobCompleted(attrs map[string]string)
	JobFailed(err error, attrs map[string]string)
	TransferCompleted(attrs map[string]string)
	TransferFailed(err error, attrs map[string]string)
	InterruptHandled(attrs map[string]string)
	SlotFaulted(err error, attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// Open binds a runtime to cfg.Device and starts the RunAsync workers.
func Open(cfg Config) (*Client, error) {
	if cfg.Device == nil {
		return nil, ErrNoDevice
	}
	if cfg.Name == "" {
		cfg.Name = "tapasco"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DeviceMemory == "" {
		cfg.DeviceMemory = defaultDeviceMemory
	}
	if cfg.BounceBufferSize <= 0 {
		cfg.BounceBufferSize = defaultBounceBufferSize
	}
	if cfg.BounceBufferCapacity <= 0 {
		cfg.BounceBufferCapacity = defaultBounceBuffers
	}
	memBytes, err := units.RAMInBytes(cfg.DeviceMemory)
	if err != nil {
		return nil, fmt.Errorf("parse device memory %q: %w", cfg.DeviceMemory, err)
	}

	comp := cfg.Composition
	if comp == nil {
		if cfg.CompositionPath == "" {
			return nil, errors.New("tapasco client: composition or composition path required")
		}
		comp, err = pe.LoadCompositionFile(cfg.CompositionPath)
		if err != nil {
			return nil, fmt.Errorf("load composition: %w", err)
		}
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	stopCtx, stop := context.WithCancel(context.Background())
	client := &Client{
		cfg:              cfg,
		session:          uuid.NewString(),
		stopCh:           make(chan struct{}),
		stopCtx:          stopCtx,
		stop:             stop,
		memBytes:         memBytes,
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	if cfg.PerfCounters {
		pe.EnablePerfCounters()
	}
	abort := func(err error) (*Client, error) {
		stop()
		if cfg.PerfCounters {
			pe.DisablePerfCounters()
		}
		return nil, err
	}

	opts := []pe.Option{
		pe.WithHooks(pe.Hooks{
			OnInterrupt: client.handleInterrupt,
			OnFault:     client.handleFault,
		}),
		pe.WithPollInterval(cfg.PollInterval),
	}
	if len(cfg.DMAChannels) > 0 {
		opts = append(opts, pe.WithDMAChannels(cfg.DMAChannels...))
	}
	rt, err := pe.Open(cfg.Device, comp, opts...)
	if err != nil {
		return abort(fmt.Errorf("open runtime: %w", err))
	}
	client.rt = rt

	if memBytes > 0 {
		mem, err := pe.NewAllocator(cfg.DeviceMemoryBase, uint64(memBytes), deviceMemoryBlock)
		if err != nil {
			_ = rt.Close()
			return abort(fmt.Errorf("create device allocator: %w", err))
		}
		client.mem = mem
	}

	if host, ok := cfg.Device.(pe.HostAllocator); ok && rt.DMA() != nil {
		pool, err := pe.NewBufferPool(host, cfg.BounceBufferSize, cfg.BounceBufferCapacity)
		if err != nil {
			_ = rt.Close()
			return abort(fmt.Errorf("create bounce buffer pool: %w", err))
		}
		client.bounce = pool
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = rt.Registry().Len()
	}
	if workers <= 0 {
		workers = 1
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = workers * 4
	}
	client.workers = workers
	client.cfg.Workers = workers
	client.cfg.QueueDepth = depth
	client.queue = make(chan *operation, depth)

	client.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go client.dispatch(i)
	}
	return client, nil
}

// Close stops the workers, fails queued jobs with ErrClosed and tears down
// the runtime.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	c.stop()
	c.wg.Wait()

	c.submitMu.Lock()
	c.submitMu.Unlock()
	for drained := false; !drained; {
		select {
		case op := <-c.queue:
			op.complete(jobResult{err: ErrClosed})
		default:
			drained = true
		}
	}

	c.handlersMu.Lock()
	c.handlers = nil
	c.handlersMu.Unlock()

	if c.bounce != nil {
		c.bounce.Close()
	}
	err := c.rt.Close()
	if c.cfg.PerfCounters {
		pe.DisablePerfCounters()
	}
	return err
}

// Session returns the unique id of this client, attached to every log entry.
func (c *Client) Session() string {
	if c == nil {
		return ""
	}
	return c.session
}

// Runtime exposes the underlying slot runtime.
func (c *Client) Runtime() *pe.Runtime {
	if c == nil {
		return nil
	}
	return c.rt
}

// SlotCount returns how many slots implement f.
func (c *Client) SlotCount(f pe.FuncID) int {
	if c == nil || c.rt == nil {
		return 0
	}
	return c.rt.SlotCount(f)
}

// Acquire waits for a free slot of f, bounded by the configured timeout when
// ctx carries no earlier deadline.
func (c *Client) Acquire(ctx context.Context, f pe.FuncID) (*pe.Job, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	return c.rt.Acquire(ctx, f, true)
}

// TryAcquire takes a free slot of f or fails with pe.ErrNoInstance.
func (c *Client) TryAcquire(f pe.FuncID) (*pe.Job, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	return c.rt.Acquire(context.Background(), f, false)
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		JobsSubmitted:      c.stats.jobsSubmitted.Load(),
		JobsCompleted:      c.stats.jobsCompleted.Load(),
		JobsFailed:         c.stats.jobsFailed.Load(),
		TransfersCompleted: c.stats.transfersCompleted.Load(),
		TransfersFailed:    c.stats.transfersFailed.Load(),
		BytesToDevice:      c.stats.bytesToDevice.Load(),
		BytesFromDevice:    c.stats.bytesFromDevice.Load(),
		Interrupts:         c.stats.interrupts.Load(),
		SlotFaults:         c.stats.slotFaults.Load(),
	}
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	return ctxWithTimeout, cancel
}

func (c *Client) handleInterrupt(line pe.Line, err error) {
	c.stats.interrupts.Add(1)
	fields := []logField{
		logKV("kind", line.Kind.String()),
		logKV("index", line.Index),
	}
	if err != nil {
		fields = append(fields, logKV("error", err))
	}
	c.logDispatcherEvent("interrupt", fields...)
	c.metricInterruptHandled(fields...)
}

func (c *Client) handleFault(slot pe.Slot, err error) {
	c.stats.slotFaults.Add(1)
	fields := []logField{
		logKV("slot", int(slot.ID)),
		logKV("function", uint32(slot.Func)),
		logKV("error", err),
	}
	c.logDispatcherEvent("slot_faulted", fields...)
	c.metricSlotFaulted(err, fields...)
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	attrs[labelDevice] = c.cfg.Name
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, "session", c.session)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("tapasco client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (c *Client) metricDispatcherStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStarted(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStopped(c.metricAttrs(fields...))
}

func (c *Client) metricJobCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.JobCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricJobFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.JobFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricTransferCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.TransferCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricTransferFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.TransferFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricInterruptHandled(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.InterruptHandled(c.metricAttrs(fields...))
}

func (c *Client) metricSlotFaulted(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SlotFaulted(err, c.metricAttrs(fields...))
}

func (c *Client) startSpan(name string, attrs ...TraceAttribute) Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	base := []TraceAttribute{
		{Key: "component", Value: "tapasco-client"},
		{Key: "device", Value: c.cfg.Name},
		{Key: "session", Value: c.session},
	}
	return c.tracer.StartSpan(name, append(base, attrs...)...)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
