package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/tapasco-go/pe"
)

// JobCompletion describes a finished job delivered to completion handlers.
type JobCompletion struct {
	Func     pe.FuncID
	Slot     pe.SlotID
	Value    uint64
	Duration time.Duration
	Err      error
}

// CompletionHandler is invoked when a job run through Run or RunAsync finishes.
type CompletionHandler func(JobCompletion)

type jobResult struct {
	value    uint64
	slot     pe.SlotID
	duration time.Duration
	err      error
}

type operation struct {
	client *Client
	fn     pe.FuncID
	args   []uint64
	done   chan struct{}

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    jobResult
	callbacks []func(jobResult)
}

func newOperation(client *Client, fn pe.FuncID, args []uint64) *operation {
	return &operation{
		client: client,
		fn:     fn,
		args:   append([]uint64(nil), args...),
		done:   make(chan struct{}),
	}
}

func (op *operation) complete(res jobResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(jobResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.emit(op, res)
		}

		close(op.done)

		for _, cb := range callbacks {
			cb := cb
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() jobResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(jobResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// JobFuture tracks a job queued with RunAsync.
type JobFuture struct {
	op *operation
}

// Await blocks until the job completes or the context is cancelled and
// returns the job's 64-bit return value.
func (f *JobFuture) Await(ctx context.Context) (uint64, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("tapasco client: nil job future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			res := f.op.resultSnapshot()
			return res.value, res.err
		default:
		}
		return 0, ctx.Err()
	case <-f.op.done:
		res := f.op.resultSnapshot()
		return res.value, res.err
	}
}

// Done exposes a channel that closes when the job resolves.
func (f *JobFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the job resolves.
func (f *JobFuture) OnComplete(fn func(uint64, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res jobResult) {
		fn(res.value, res.err)
	})
}

// Run executes f on a free slot with the given arguments and returns the
// job's return value. It blocks for a slot and for completion, bounded by the
// configured timeout when ctx carries no earlier deadline.
func (c *Client) Run(ctx context.Context, f pe.FuncID, args ...uint64) (uint64, error) {
	if err := c.validateJob(f, args); err != nil {
		return 0, err
	}
	op := newOperation(c, f, args)
	c.stats.jobsSubmitted.Add(1)
	c.execute(ctx, op, nil)
	res := op.resultSnapshot()
	return res.value, res.err
}

// RunAsync queues f for the worker pool and returns a future for its result.
// Each job is bounded by the configured timeout.
func (c *Client) RunAsync(f pe.FuncID, args ...uint64) (*JobFuture, error) {
	if err := c.validateJob(f, args); err != nil {
		return nil, err
	}
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	op := newOperation(c, f, args)
	select {
	case c.queue <- op:
	case <-c.stopCh:
		return nil, ErrClosed
	}
	c.stats.jobsSubmitted.Add(1)
	c.logf("client: job queued function=%d args=%d", f, len(args))
	return &JobFuture{op: op}, nil
}

// RegisterCompletionHandler installs a callback invoked for every finished job.
// The returned function unregisters the handler. Passing a nil handler is a no-op.
func (c *Client) RegisterCompletionHandler(handler CompletionHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.handlers == nil {
		c.handlers = make(map[uint64]CompletionHandler)
	}
	c.handlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

func (c *Client) validateJob(f pe.FuncID, args []uint64) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if len(args) > pe.MaxArgs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(args), pe.MaxArgs)
	}
	if c.rt.SlotCount(f) == 0 {
		return fmt.Errorf("%w: function %d", pe.ErrNoInstance, f)
	}
	return nil
}

func (c *Client) dispatch(worker int) {
	defer c.wg.Done()

	span := c.startSpan("tapasco-client-dispatcher", TraceAttribute{Key: "worker", Value: worker})
	startFields := []logField{
		logKV("worker", worker),
		logKV("workers", c.workers),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted()

	defer func() {
		fields := []logField{logKV("worker", worker), logKV("status", "ok")}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped()
		finishSpan(span, nil)
	}()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		select {
		case <-c.stopCh:
			return
		case op := <-c.queue:
			c.execute(c.stopCtx, op, span)
		}
	}
}

// execute runs one job to completion and resolves op.
func (c *Client) execute(ctx context.Context, op *operation, span Span) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	start := time.Now()
	res := jobResult{slot: -1}
	res.value, res.slot, res.err = c.runJob(ctx, op.fn, op.args)
	res.duration = time.Since(start)
	if res.err != nil && c.stopCtx.Err() != nil {
		res.err = fmt.Errorf("%w: %w", ErrClosed, res.err)
	}

	c.logJobCompletion(op, res, span)
	op.complete(res)
}

func (c *Client) runJob(ctx context.Context, f pe.FuncID, args []uint64) (uint64, pe.SlotID, error) {
	job, err := c.rt.Acquire(ctx, f, true)
	if err != nil {
		return 0, -1, fmt.Errorf("acquire function %d: %w", f, err)
	}
	slot := job.Slot().ID
	defer func() { _ = job.Release() }()

	for i, arg := range args {
		if err := job.SetArg64(i, arg); err != nil {
			return 0, slot, fmt.Errorf("set argument %d: %w", i, err)
		}
	}
	if err := job.Launch(ctx, true); err != nil {
		return 0, slot, fmt.Errorf("launch function %d: %w", f, err)
	}
	ret, err := job.Return()
	if err != nil {
		return 0, slot, fmt.Errorf("read return value: %w", err)
	}
	return ret, slot, nil
}

func (c *Client) emit(op *operation, res jobResult) {
	if c == nil {
		return
	}
	if res.err != nil {
		c.stats.jobsFailed.Add(1)
	} else {
		c.stats.jobsCompleted.Add(1)
	}
	c.handlersMu.RLock()
	handlers := make([]CompletionHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	completion := JobCompletion{
		Func:     op.fn,
		Slot:     res.slot,
		Value:    res.value,
		Duration: res.duration,
		Err:      res.err,
	}
	for _, handler := range handlers {
		h := handler
		go h(completion)
	}
}

func (c *Client) logJobCompletion(op *operation, res jobResult, span Span) {
	status := "ok"
	event := "job_completed"
	if res.err != nil {
		status = "error"
		event = "job_failed"
	}
	fields := []logField{
		logKV("function", uint32(op.fn)),
		logKV("status", status),
	}
	detail := []logField{
		logKV("args", len(op.args)),
		logKV("duration", res.duration),
	}
	if res.slot >= 0 {
		detail = append(detail, logKV("slot", int(res.slot)))
	}
	if res.err != nil {
		detail = append(detail, logKV("error", res.err))
	} else {
		detail = append(detail, logKV("value", res.value))
	}
	all := append(append([]logField(nil), fields...), detail...)
	c.logDispatcherEvent(event, all...)
	spanAddEvent(span, event, all...)
	if res.err != nil {
		spanRecordError(span, res.err)
		c.metricJobFailed(res.err, fields[0])
		return
	}
	c.metricJobCompleted(fields...)
}
