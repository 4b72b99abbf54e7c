package router

import (
	"context"
	"errors"
	"sync"

	"sentinelops/internal/schema"
)

// ErrTransportClosed is returned by a transport after Close.
var ErrTransportClosed = errors.New("router: transport closed")

// Delivery receives one message from a transport.
type Delivery func(ctx context.Context, msg schema.Message)

// Transport is the at-least-once channel between the router and the
// collaborators. Messages for one target are delivered in publish order.
type Transport interface {
	Publish(ctx context.Context, msg schema.Message) error
	Subscribe(ctx context.Context, target string, deliver Delivery) error
	Close() error
}

// MemoryTransport delivers messages between routers in the same process.
// Each target has an unbounded queue drained by one goroutine, so a handler
// may publish without blocking on its own queue.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	fault  func(msg schema.Message) error
	closed bool
	wg     sync.WaitGroup
}

type memQueue struct {
	mu      sync.Mutex
	items   []schema.Message
	signal  chan struct{}
	deliver []Delivery
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{queues: make(map[string]*memQueue)}
}

// SetFault makes Publish call fn first and fail with its error when non-nil.
// Used to simulate an unreachable collaborator.
func (t *MemoryTransport) SetFault(fn func(msg schema.Message) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fault = fn
}

func (t *MemoryTransport) queue(target string) *memQueue {
	q, ok := t.queues[target]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		t.queues[target] = q
	}
	return q
}

// Publish enqueues msg for its target. Messages for a target nobody has
// subscribed to yet are held until a subscriber arrives.
func (t *MemoryTransport) Publish(ctx context.Context, msg schema.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	fault := t.fault
	t.mu.Unlock()
	if fault != nil {
		if err := fault(msg); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	q := t.queue(msg.Target)
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe starts delivering messages for target. A second subscriber on
// the same target receives every message as well.
func (t *MemoryTransport) Subscribe(ctx context.Context, target string, deliver Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	q := t.queue(target)
	q.mu.Lock()
	q.deliver = append(q.deliver, deliver)
	first := len(q.deliver) == 1
	q.mu.Unlock()

	if first {
		t.wg.Add(1)
		go t.drain(ctx, q)
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (t *MemoryTransport) drain(ctx context.Context, q *memQueue) {
	defer t.wg.Done()
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case _, ok := <-q.signal:
				if !ok {
					return
				}
			}
			continue
		}
		msg := q.items[0]
		q.items = q.items[1:]
		handlers := append([]Delivery(nil), q.deliver...)
		q.mu.Unlock()

		for _, d := range handlers {
			d(ctx, msg)
		}
	}
}

// Pending returns the number of undelivered messages for target.
func (t *MemoryTransport) Pending(target string) int {
	t.mu.Lock()
	q, ok := t.queues[target]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops all deliveries and waits for in-flight handlers.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, q := range t.queues {
		close(q.signal)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
