package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx funnels hardware buffer writes through a single goroutine. Enqueue
// never blocks: when the queue is full Transmit invokes the OnDrop hook and
// returns its error.
//
// Every buffer accepted by Transmit has its done callback invoked exactly once:
// with the send result after the worker handled it, or with ErrAsyncTxClosed if
// the worker stopped before reaching it. A buffer rejected by Transmit never
// sees its callback.
//
//	a := NewAsyncTx(ctx, depth, sendFn, hooks)
//	a.Transmit(buf, done)
//	a.Close()
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan txItem
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func([]byte) error
	hooks  Hooks
	closed atomic.Bool
}

type txItem struct {
	buf  []byte
	done func(error)
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error.
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the queue is full; its returned error is returned
	// from Transmit. If nil, overflow is reported as ErrQueueFull.
	OnDrop func() error
}

var (
	// ErrAsyncTxClosed is returned by Transmit after Close and passed to done
	// callbacks of buffers still queued at shutdown.
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrQueueFull is the default overflow error.
	ErrQueueFull = errors.New("async tx queue full")
)

// NewAsyncTx constructs an AsyncTx with a queue of depth buf.
func NewAsyncTx(parent context.Context, buf int, send func([]byte) error, hooks Hooks) *AsyncTx {
	if buf < 1 {
		buf = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan txItem, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case it, ok := <-a.ch:
			if !ok {
				return
			}
			if a.ctx.Err() != nil {
				finish(it.done, ErrAsyncTxClosed)
				return
			}
			err := a.send(it.buf)
			if err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
			} else if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
			finish(it.done, err)
		case <-a.ctx.Done():
			return
		}
	}
}

// Transmit queues buf for asynchronous writing. The caller must not modify buf
// until done is invoked.
func (a *AsyncTx) Transmit(buf []byte, done func(error)) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- txItem{buf: buf, done: done}:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return ErrQueueFull
	}
}

// Close stops the worker, waits for it to exit and fails any buffers left in
// the queue with ErrAsyncTxClosed.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	for it := range a.ch {
		finish(it.done, ErrAsyncTxClosed)
	}
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
