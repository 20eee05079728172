package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/chazu/knurl/pkg/geomcache"
)

// DefaultCallTimeout bounds a single worker call unless the caller
// overrides it.
const DefaultCallTimeout = 30 * time.Second

// defaultQueueSize is the request channel depth. The worker drains it in
// FIFO order, so the depth only bounds how many dispatches can be queued
// without blocking.
const defaultQueueSize = 64

// Transport states.
const (
	stateIdle int = iota
	stateBooting
	stateReady
	stateFailed
	stateClosed
)

// TransportConfig configures a Transport. Factory is required; everything
// else has defaults.
type TransportConfig struct {
	Factory     KernelFactory
	Cache       *geomcache.Cache
	Logger      *zap.Logger
	CallTimeout time.Duration
	QueueSize   int
	Metrics     *TransportMetrics
}

// settled is the terminal outcome of one call.
type settled struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one dispatched request between dispatch and
// settlement. It is removed from the pending map exactly once, whichever
// of response arrival, timeout or shutdown fires first.
type pendingCall struct {
	timer *time.Timer
	ch    chan settled
}

// Transport owns the compute worker goroutine and correlates responses to
// dispatched requests by id. Each Transport instance is independent; no
// state is shared across instances.
type Transport struct {
	factory     KernelFactory
	cache       *geomcache.Cache
	logger      *zap.Logger
	callTimeout time.Duration
	metrics     *TransportMetrics

	in   chan Request
	out  chan Response
	done chan struct{}

	mu      sync.Mutex
	state   int
	pending map[string]*pendingCall
	bootErr error

	bootDone  chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewTransport creates an unstarted transport. Call Initialize to boot
// the worker.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Cache == nil {
		cfg.Cache = geomcache.New(geomcache.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Transport{
		factory:     cfg.Factory,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		callTimeout: cfg.CallTimeout,
		metrics:     cfg.Metrics,
		in:          make(chan Request, cfg.QueueSize),
		out:         make(chan Response, cfg.QueueSize),
		done:        make(chan struct{}),
		pending:     make(map[string]*pendingCall),
		bootDone:    make(chan struct{}),
	}
}

// Initialize boots the worker and waits for its readiness signal. It is
// idempotent: concurrent and repeated callers share the single boot
// attempt and its outcome. A boot failure is permanent; the transport
// never re-attempts the boot.
func (t *Transport) Initialize(ctx context.Context) error {
	t.startOnce.Do(func() {
		t.mu.Lock()
		if t.state == stateClosed {
			t.mu.Unlock()
			return
		}
		t.state = stateBooting
		t.mu.Unlock()
		go runWorker(t.factory, t.cache, t.logger, t.in, t.out, t.done)
		go t.receive()
	})

	select {
	case <-t.bootDone:
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bootErr
}

// Ready reports whether the worker has signalled readiness and the
// transport is still usable.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateReady
}

// Cache exposes the worker-owned geometry cache for read-only inspection
// (stats, sweeping setup). Mutations must go through worker operations.
func (t *Transport) Cache() *geomcache.Cache {
	return t.cache
}

// Call dispatches one operation and waits for its settlement. A zero
// timeout selects the configured default. Calls issued before readiness
// fail immediately with ErrNotReady; calls after a fatal boot failure
// fail fast with ErrWorkerFailed.
func (t *Transport) Call(ctx context.Context, op Op, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.callTimeout
	}

	t.mu.Lock()
	switch t.state {
	case stateReady:
	case stateFailed:
		err := t.bootErr
		t.mu.Unlock()
		return nil, err
	case stateClosed:
		t.mu.Unlock()
		return nil, ErrClosed
	default:
		t.mu.Unlock()
		return nil, ErrNotReady
	}
	t.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	// IDs only need to be unique among concurrently outstanding calls;
	// a UUID satisfies that trivially.
	id := uuid.NewString()
	pc := &pendingCall{ch: make(chan settled, 1)}

	t.mu.Lock()
	t.pending[id] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		t.settleLocal(id, settled{err: ErrTimeout}, true)
	})
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.Calls.Inc()
		t.metrics.Inflight.Inc()
		defer t.metrics.Inflight.Dec()
	}

	select {
	case t.in <- Request{ID: id, Operation: op, Payload: raw}:
	case s := <-pc.ch:
		// Settled before the request could be enqueued (timer fired or
		// the transport shut down while the queue was full). The worker
		// never sees this request.
		return t.finish(s)
	case <-t.done:
		t.settleLocal(id, settled{err: ErrClosed}, false)
	case <-ctx.Done():
		t.settleLocal(id, settled{err: ctx.Err()}, false)
	}

	return t.finish(<-pc.ch)
}

func (t *Transport) finish(s settled) (json.RawMessage, error) {
	if errors.Is(s.err, ErrTimeout) && t.metrics != nil {
		t.metrics.Timeouts.Inc()
	}
	return s.result, s.err
}

// Close shuts the transport down. In-flight calls settle with ErrClosed;
// worker-side computation already in progress is not interrupted, its
// eventual result is discarded.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = stateClosed
		stale := t.pending
		t.pending = make(map[string]*pendingCall)
		t.mu.Unlock()

		close(t.done)
		for _, pc := range stale {
			pc.timer.Stop()
			pc.ch <- settled{err: ErrClosed}
		}
	})
}

// receive is the response pump. It handles unsolicited boot messages and
// settles correlated responses.
func (t *Transport) receive() {
	for {
		select {
		case resp := <-t.out:
			if resp.ID == "" {
				t.handleUnsolicited(resp)
				continue
			}
			t.settleResponse(resp)
		case <-t.done:
			return
		}
	}
}

func (t *Transport) handleUnsolicited(resp Response) {
	switch resp.Type {
	case MsgReady:
		t.mu.Lock()
		if t.state != stateBooting {
			t.mu.Unlock()
			t.logger.Warn("ignoring readiness signal outside boot")
			return
		}
		t.state = stateReady
		t.mu.Unlock()
		t.logger.Info("worker ready")
		close(t.bootDone)

	case MsgError:
		t.mu.Lock()
		if t.state != stateBooting {
			t.mu.Unlock()
			t.logger.Warn("ignoring worker error outside boot", zap.String("error", resp.Error))
			return
		}
		t.state = stateFailed
		t.bootErr = zerr.Wrap(ErrWorkerFailed, resp.Error)
		t.mu.Unlock()
		t.logger.Error("worker boot failed", zap.String("error", resp.Error))
		close(t.bootDone)

	default:
		t.logger.Warn("unexpected unsolicited message", zap.String("type", resp.Type))
	}
}

// settleResponse delivers a worker response to its pending call. A
// response whose id is no longer pending (already timed out, cancelled or
// never issued) is discarded without side effects.
func (t *Transport) settleResponse(resp Response) {
	t.mu.Lock()
	pc, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("discarding unmatched response", zap.String("id", resp.ID))
		return
	}
	pc.timer.Stop()

	if resp.Type == MsgError {
		pc.ch <- settled{err: decodeError(resp.Error)}
		return
	}
	pc.ch <- settled{result: resp.Result}
}

// settleLocal settles a pending call from the caller side (timeout,
// cancellation, shutdown). The first settlement wins; any later response
// for the same id becomes unmatched and is discarded.
func (t *Transport) settleLocal(id string, s settled, fromTimer bool) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if !fromTimer {
		pc.timer.Stop()
	}
	pc.ch <- s
}
