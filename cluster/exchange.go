// Package cluster provides an asynchronous byte-message exchange over a
// communicator. A dispatcher goroutine owns the request scope: callers
// submit sends and receives from any goroutine and observe completion
// through futures, handlers, metrics and logs, while every runtime call is
// funneled through the dispatcher.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ranksafe/mpi-go/mpi"
)

// ErrClosed indicates the exchange has already been closed.
var ErrClosed = errors.New("cluster: exchange closed")

// AnySource accepts messages from every rank of the communicator.
const AnySource = mpi.Undefined

// Config controls Open behaviour for the exchange.
type Config struct {
	// Tag is the message tag all exchange traffic uses.
	Tag int
	// PollInterval caps the dispatcher's completion-poll backoff.
	PollInterval time.Duration
	// Timeout bounds blocking Send/Receive when the context has no
	// deadline.
	Timeout time.Duration

	Logger           Logger
	StructuredLogger StructuredLogger
	Metrics          MetricHook
}

// Logger provides formatted debug logging hooks for the exchange.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies it directly.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
}

// OperationKind identifies the type of operation tracked by a future.
type OperationKind int

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// SendCompletion describes the outcome of a send dispatched to a handler.
type SendCompletion struct {
	Size int
	Dest int
	Err  error
}

// ReceiveCompletion describes a completed receive delivered to a handler.
type ReceiveCompletion struct {
	Payload []byte
	Source  int
	Err     error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Stats contains counters for exchange operations.
type Stats struct {
	SendPosted       uint64
	SendCompleted    uint64
	SendErrored      uint64
	ReceivePosted    uint64
	ReceiveCompleted uint64
	ReceiveErrored   uint64
}

type exchangeStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvCompleted atomic.Uint64
	recvErrored   atomic.Uint64
}

type operationResult struct {
	length int
	source int
	err    error
}

type operation struct {
	kind    OperationKind
	dest    int
	source  int
	payload []byte
	buf     []byte

	done chan struct{}

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

func newOperation(kind OperationKind) *operation {
	return &operation{kind: kind, done: make(chan struct{})}
}

func (op *operation) complete(e *Exchange, res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if e != nil {
			e.emit(op, res)
		}
		close(op.done)

		for _, cb := range callbacks {
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
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

// SendFuture tracks the completion of a posted send.
type SendFuture struct {
	op *operation
}

// Await blocks until the send completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("cluster: nil send future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			return f.op.resultSnapshot().err
		default:
		}
		return ctx.Err()
	case <-f.op.done:
		return f.op.resultSnapshot().err
	}
}

// Done exposes a channel that closes when the send resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send
// resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive.
type ReceiveFuture struct {
	op  *operation
	buf []byte
}

// Await blocks until the receive resolves or the context is cancelled,
// returning the payload length.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("cluster: nil receive future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			res := f.op.resultSnapshot()
			return res.length, res.err
		default:
		}
		return 0, ctx.Err()
	case <-f.op.done:
		res := f.op.resultSnapshot()
		return res.length, res.err
	}
}

// Buffer returns the caller-provided buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil {
		return nil
	}
	return f.buf
}

// Source returns the rank that produced the data, when resolved.
func (f *ReceiveFuture) Source() int {
	if f == nil || f.op == nil {
		return mpi.Undefined
	}
	return f.op.resultSnapshot().source
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

// Exchange is an asynchronous byte-message endpoint bound to one rank of a
// communicator.
type Exchange struct {
	cfg  Config
	comm *mpi.Comm

	submitCh chan *operation
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	metrics          MetricHook
	stats            exchangeStats
}

// Open starts an exchange over the communicator. Every rank that wants to
// participate opens its own.
func Open(comm *mpi.Comm, cfg Config) (*Exchange, error) {
	if comm == nil {
		return nil, errors.New("cluster: nil communicator")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	e := &Exchange{
		cfg:              cfg,
		comm:             comm,
		submitCh:         make(chan *operation, 64),
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		metrics:          cfg.Metrics,
	}
	e.wg.Add(1)
	go e.dispatch()
	return e, nil
}

// Close stops the dispatcher after draining in-flight operations. Every
// posted operation must be matchable; closing with a posted receive no
// sender will ever match blocks.
func (e *Exchange) Close() error {
	if e == nil {
		return nil
	}
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.wg.Wait()

	e.handlersMu.Lock()
	e.sendHandlers = nil
	e.receiveHandlers = nil
	e.handlersMu.Unlock()
	return nil
}

// Rank returns the exchange's rank on its communicator.
func (e *Exchange) Rank() int { return e.comm.Rank() }

// Size returns the communicator size.
func (e *Exchange) Size() int { return e.comm.Size() }

func (e *Exchange) ensureOpen() error {
	if e == nil || e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Send transmits payload to dest, blocking until the send completes or the
// context (bounded by the configured timeout) expires.
func (e *Exchange) Send(ctx context.Context, dest int, payload []byte) error {
	ctx, cancel := e.operationContext(ctx)
	defer cancel()
	future, err := e.SendAsync(dest, payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendAsync posts a send and returns a future that resolves on completion.
// The payload is copied; the caller may reuse it immediately.
func (e *Exchange) SendAsync(dest int, payload []byte) (*SendFuture, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("cluster: empty payload")
	}
	if dest < 0 || dest >= e.comm.Size() {
		return nil, fmt.Errorf("cluster: destination rank %d out of range", dest)
	}
	op := newOperation(OperationSend)
	op.dest = dest
	op.payload = append([]byte(nil), payload...)
	if err := e.submit(op); err != nil {
		return nil, err
	}
	e.stats.sendPosted.Add(1)
	e.logf("exchange: send posted size=%d dest=%d", len(op.payload), dest)
	return &SendFuture{op: op}, nil
}

// Receive blocks until a message arrives, filling buf and returning the
// payload length and source rank.
func (e *Exchange) Receive(ctx context.Context, buf []byte) (int, int, error) {
	ctx, cancel := e.operationContext(ctx)
	defer cancel()
	future, err := e.ReceiveAsync(buf)
	if err != nil {
		return 0, mpi.Undefined, err
	}
	n, err := future.Await(ctx)
	if err != nil {
		return 0, mpi.Undefined, err
	}
	return n, future.Source(), nil
}

// ReceiveAsync posts a receive from any rank and returns a future that
// resolves when data arrives. buf is owned by the operation until then.
func (e *Exchange) ReceiveAsync(buf []byte) (*ReceiveFuture, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("cluster: buffer must be non-empty")
	}
	op := newOperation(OperationReceive)
	op.source = AnySource
	op.buf = buf
	if err := e.submit(op); err != nil {
		return nil, err
	}
	e.stats.recvPosted.Add(1)
	e.logf("exchange: receive posted size=%d", len(buf))
	return &ReceiveFuture{op: op, buf: buf}, nil
}

func (e *Exchange) submit(op *operation) error {
	select {
	case e.submitCh <- op:
		return nil
	case <-e.stopCh:
		return ErrClosed
	}
}

// Stats returns a snapshot of exchange counters.
func (e *Exchange) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:       e.stats.sendPosted.Load(),
		SendCompleted:    e.stats.sendCompleted.Load(),
		SendErrored:      e.stats.sendErrored.Load(),
		ReceivePosted:    e.stats.recvPosted.Load(),
		ReceiveCompleted: e.stats.recvCompleted.Load(),
		ReceiveErrored:   e.stats.recvErrored.Load(),
	}
}

func (e *Exchange) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if e.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

// RegisterSendHandler installs a callback invoked for every completed send.
// The returned function unregisters it.
func (e *Exchange) RegisterSendHandler(handler SendHandler) func() {
	if e == nil || handler == nil {
		return func() {}
	}
	id := e.handlerSeq.Add(1)
	e.handlersMu.Lock()
	if e.sendHandlers == nil {
		e.sendHandlers = make(map[uint64]SendHandler)
	}
	e.sendHandlers[id] = handler
	e.handlersMu.Unlock()
	return func() {
		e.handlersMu.Lock()
		delete(e.sendHandlers, id)
		e.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed
// receive. The returned function unregisters it.
func (e *Exchange) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if e == nil || handler == nil {
		return func() {}
	}
	id := e.handlerSeq.Add(1)
	e.handlersMu.Lock()
	if e.receiveHandlers == nil {
		e.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	e.receiveHandlers[id] = handler
	e.handlersMu.Unlock()
	return func() {
		e.handlersMu.Lock()
		delete(e.receiveHandlers, id)
		e.handlersMu.Unlock()
	}
}

type pendingOp struct {
	op  *operation
	req *mpi.Request
}

// dispatch owns the request scope. Submissions are posted into it and
// completions polled out of it; the scope closes only after every request
// has been driven to completion, which is what makes Close drain.
func (e *Exchange) dispatch() {
	defer e.wg.Done()

	startFields := []logField{
		logKV("rank", e.comm.Rank()),
		logKV("size", e.comm.Size()),
		logKV("tag", e.cfg.Tag),
	}
	e.logDispatcherEvent("start", startFields...)
	e.metricDispatcherStarted(startFields...)
	defer func() {
		e.logDispatcherEvent("stop", startFields...)
		e.metricDispatcherStopped(startFields...)
	}()

	_ = e.comm.Universe().WithScope(func(s *mpi.Scope) error {
		var pending []*pendingOp
		stopping := false
		backoff := time.Millisecond
		for {
			progressed := false

			// Admit new submissions.
			for {
				var op *operation
				select {
				case op = <-e.submitCh:
				default:
				}
				if op == nil {
					break
				}
				if p := e.post(s, op); p != nil {
					pending = append(pending, p)
				}
				progressed = true
			}

			// Poll completions.
			remaining := pending[:0]
			for _, p := range pending {
				st, done, err := p.req.Test()
				if !done {
					remaining = append(remaining, p)
					continue
				}
				e.resolve(p.op, st, err)
				progressed = true
			}
			pending = remaining

			if !stopping {
				select {
				case <-e.stopCh:
					stopping = true
				default:
				}
			}
			if stopping && len(pending) == 0 && len(e.submitCh) == 0 {
				return nil
			}
			if progressed {
				backoff = time.Millisecond
				continue
			}
			time.Sleep(backoff)
			if backoff < e.cfg.PollInterval {
				backoff *= 2
			}
		}
	})
}

// post issues the operation inside the dispatcher's scope. A post failure
// resolves the future immediately and leaves nothing pending.
func (e *Exchange) post(s *mpi.Scope, op *operation) *pendingOp {
	var (
		req *mpi.Request
		err error
	)
	switch op.kind {
	case OperationSend:
		req, err = e.comm.Process(op.dest).PostSend(s, mpi.ConstSlice(op.payload), e.cfg.Tag)
	case OperationReceive:
		req, err = e.comm.AnyProcess().PostReceive(s, mpi.Slice(op.buf), e.cfg.Tag)
	}
	if err != nil {
		e.recordDispatcherError("post_error", err)
		op.complete(e, operationResult{source: mpi.Undefined, err: err})
		return nil
	}
	return &pendingOp{op: op, req: req}
}

func (e *Exchange) resolve(op *operation, st mpi.Status, err error) {
	res := operationResult{err: err, source: mpi.Undefined}
	switch op.kind {
	case OperationSend:
		res.length = len(op.payload)
	case OperationReceive:
		res.length = st.Bytes()
		res.source = st.Source()
	}
	e.logOperationCompletion(op, res)
	op.complete(e, res)
}

func (e *Exchange) emit(op *operation, res operationResult) {
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			e.stats.sendErrored.Add(1)
			e.logf("exchange: send errored: %v", res.err)
		} else {
			e.stats.sendCompleted.Add(1)
			e.logf("exchange: send completed size=%d dest=%d", res.length, op.dest)
		}
		e.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(e.sendHandlers))
		for _, h := range e.sendHandlers {
			handlers = append(handlers, h)
		}
		e.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		completion := SendCompletion{Size: res.length, Dest: op.dest, Err: res.err}
		for _, handler := range handlers {
			go handler(completion)
		}
	case OperationReceive:
		if res.err != nil {
			e.stats.recvErrored.Add(1)
			e.logf("exchange: receive errored: %v", res.err)
		} else {
			e.stats.recvCompleted.Add(1)
			e.logf("exchange: receive completed size=%d source=%d", res.length, res.source)
		}
		e.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(e.receiveHandlers))
		for _, h := range e.receiveHandlers {
			handlers = append(handlers, h)
		}
		e.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		var base []byte
		if res.err == nil && res.length > 0 && len(op.buf) >= res.length {
			base = append([]byte(nil), op.buf[:res.length]...)
		}
		for _, handler := range handlers {
			var payload []byte
			if base != nil {
				payload = append([]byte(nil), base...)
			}
			go handler(ReceiveCompletion{Payload: payload, Source: res.source, Err: res.err})
		}
	}
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (e *Exchange) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelRank] = fmt.Sprint(e.comm.Rank())
	attrs[labelSize] = fmt.Sprint(e.comm.Size())
	attrs[labelTag] = fmt.Sprint(e.cfg.Tag)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (e *Exchange) logDispatcherEvent(event string, fields ...logField) {
	if e == nil {
		return
	}
	if e.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		e.structuredLogger.Debugw("cluster exchange dispatcher", kv...)
		return
	}
	if e.logger == nil {
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
	e.logf("exchange dispatcher %s", b.String())
}

func (e *Exchange) logOperationCompletion(op *operation, res operationResult) {
	status := "ok"
	eventName := "completion"
	if res.err != nil {
		status = "error"
		eventName = "completion_error"
	}
	fields := []logField{
		logKV("operation", op.kind.String()),
		logKV("status", status),
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if op.kind == OperationReceive && res.source != mpi.Undefined {
		fields = append(fields, logKV("source", res.source))
	}
	if res.err != nil {
		fields = append(fields, logKV("error", res.err))
	}
	e.logDispatcherEvent(eventName, fields...)
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			e.metricSendFailed(res.err, fields...)
		} else {
			e.metricSendCompleted(fields...)
		}
	case OperationReceive:
		if res.err != nil {
			e.metricReceiveFailed(res.err, fields...)
		} else {
			e.metricReceiveCompleted(fields...)
		}
	}
}

func (e *Exchange) recordDispatcherError(kind string, err error) {
	if err == nil {
		return
	}
	e.logDispatcherEvent(kind, logKV("error", err))
	if e.metrics != nil {
		e.metrics.DispatcherError(kind, err, e.metricAttrs())
	}
}

func (e *Exchange) metricDispatcherStarted(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.DispatcherStarted(e.metricAttrs(fields...))
}

func (e *Exchange) metricDispatcherStopped(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.DispatcherStopped(e.metricAttrs(fields...))
}

func (e *Exchange) metricSendCompleted(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.SendCompleted(e.metricAttrs(fields...))
}

func (e *Exchange) metricSendFailed(err error, fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.SendFailed(err, e.metricAttrs(fields...))
}

func (e *Exchange) metricReceiveCompleted(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.ReceiveCompleted(e.metricAttrs(fields...))
}

func (e *Exchange) metricReceiveFailed(err error, fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.ReceiveFailed(err, e.metricAttrs(fields...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (e *Exchange) logf(format string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Debugf(format, args...)
}
