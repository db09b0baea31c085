// Package bus provides the typed publish/subscribe message bus connecting agents.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/deadops/deadops/internal/agent"
)

var (
	// ErrClosed is returned by Publish once the bus has been closed.
	ErrClosed = errors.New("message bus closed")
	// ErrQueueFull is returned by Publish under OverflowReject when the ingress queue is full.
	ErrQueueFull = errors.New("message bus queue full")
)

// OverflowPolicy decides what Publish does when the ingress queue is full.
type OverflowPolicy string

const (
	OverflowBlock      OverflowPolicy = "block"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowReject     OverflowPolicy = "reject"
)

// ParseOverflowPolicy validates a policy name. Empty means OverflowBlock.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", OverflowBlock:
		return OverflowBlock, nil
	case OverflowDropOldest, OverflowReject:
		return OverflowPolicy(s), nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// DefaultQueueSize is the ingress capacity used when Options.QueueSize is unset.
const DefaultQueueSize = 1024

// Options configures a MessageBus.
type Options struct {
	QueueSize int
	Overflow  OverflowPolicy
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Evicted     uint64 `json:"evicted"`
	Queued      int    `json:"queued"`
	Backlog     int    `json:"backlog"`
	Subscribers int    `json:"subscribers"`
}

// subscriber forwards envelopes of one type to ch from its own goroutine.
// The queue is unbounded so a slow reader never loses envelopes and never
// stalls the dispatch loop; only a closed channel fails delivery.
type subscriber struct {
	id   uint64
	ch   chan<- agent.AgentMessage
	wake chan struct{}
	quit chan struct{}

	mu      sync.Mutex
	queue   []agent.AgentMessage
	stopped bool
}

// MessageBus decouples publishing agents from consumers. Publishers enqueue
// into one bounded FIFO ingress queue; a single ProcessMessages loop fans each
// envelope out to the subscribers registered for its type.
type MessageBus struct {
	opts    Options
	ingress chan agent.AgentMessage
	done    chan struct{} // closed by Close; rejects new publishes
	sealed  chan struct{} // closed once no publish can still reach ingress
	halt    chan struct{} // closed when forwarders must give up

	mu      sync.RWMutex
	subs    map[agent.MessageType][]*subscriber
	taps    []func(agent.AgentMessage)
	nextID  uint64
	closed  bool
	running bool

	// sendMu is held shared by publishers for the whole enqueue and
	// exclusively by Close while sealing.
	sendMu sync.RWMutex
	// pubMu serialises drop-oldest eviction with other publishers.
	pubMu    sync.Mutex
	haltOnce sync.Once

	// inflight counts envelopes handed to forwarders and not yet settled.
	inflight sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// NewMessageBus creates a bus with default options.
func NewMessageBus() *MessageBus {
	return New(Options{})
}

// New creates a bus with the given options.
func New(opts Options) *MessageBus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowBlock
	}
	return &MessageBus{
		opts:    opts,
		ingress: make(chan agent.AgentMessage, opts.QueueSize),
		done:    make(chan struct{}),
		sealed:  make(chan struct{}),
		halt:    make(chan struct{}),
		subs:    make(map[agent.MessageType][]*subscriber),
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus *MessageBus
	t   agent.MessageType
	id  uint64
}

// Cancel removes the subscription and discards envelopes not yet forwarded.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	list := b.subs[s.t]
	var gone *subscriber
	for i, sub := range list {
		if sub.id == s.id {
			gone = sub
			b.subs[s.t] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.bus = nil

	if gone != nil {
		close(gone.quit)
	}
}

// Subscribe registers ch for envelopes of type t. Subscribers of one type are
// kept in insertion order and are not deduplicated. Each subscriber receives
// every envelope of its type in publish order; a closed channel misses them.
func (b *MessageBus) Subscribe(t agent.MessageType, ch chan<- agent.AgentMessage) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:   b.nextID,
		ch:   ch,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	b.subs[t] = append(b.subs[t], sub)
	go b.forward(sub)
	return &Subscription{bus: b, t: t, id: b.nextID}
}

// Tap registers an observer called from the dispatch loop for every envelope,
// before fan-out. Observers must not block.
func (b *MessageBus) Tap(fn func(agent.AgentMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, fn)
}

// Publish enqueues msg. It fails only when the bus is closed or, under
// OverflowReject, when the queue is full.
func (b *MessageBus) Publish(msg agent.AgentMessage) error {
	return b.PublishContext(context.Background(), msg)
}

// PublishContext is Publish with a context bounding the wait under OverflowBlock.
func (b *MessageBus) PublishContext(ctx context.Context, msg agent.AgentMessage) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	switch b.opts.Overflow {
	case OverflowReject:
		select {
		case b.ingress <- msg:
		case <-b.done:
			return ErrClosed
		default:
			return ErrQueueFull
		}
	case OverflowDropOldest:
		b.pubMu.Lock()
		defer b.pubMu.Unlock()
		for {
			select {
			case b.ingress <- msg:
				b.count(func(s *Stats) { s.Published++ })
				return nil
			case <-b.done:
				return ErrClosed
			default:
			}
			select {
			case old := <-b.ingress:
				b.count(func(s *Stats) { s.Evicted++ })
				slog.Debug("Bus evicted oldest envelope", "type", old.Type, "id", old.ID)
			default:
			}
		}
	default:
		select {
		case b.ingress <- msg:
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.count(func(s *Stats) { s.Published++ })
	return nil
}

// ProcessMessages runs the dispatch loop until ctx is cancelled or the bus is
// closed and drained. After Close it also waits, bounded by ctx, for every
// accepted envelope to reach its subscribers. It should be run as a
// goroutine; only one loop may run at a time.
func (b *MessageBus) ProcessMessages(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("message bus already processing")
	}
	b.running = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.ingress:
			b.dispatch(msg)
		case <-b.sealed:
			b.drain()
			return b.flush(ctx)
		}
	}
}

// Run is an alias of ProcessMessages.
func (b *MessageBus) Run(ctx context.Context) error {
	return b.ProcessMessages(ctx)
}

// drain dispatches everything still in the ingress queue.
func (b *MessageBus) drain() {
	for {
		select {
		case msg := <-b.ingress:
			b.dispatch(msg)
		default:
			return
		}
	}
}

// flush waits for forwarders to settle every queued envelope, then stops
// them. Cancelling ctx abandons envelopes still queued.
func (b *MessageBus) flush(ctx context.Context) error {
	settled := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(settled)
	}()
	var err error
	select {
	case <-settled:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.haltOnce.Do(func() { close(b.halt) })
	return err
}

func (b *MessageBus) dispatch(msg agent.AgentMessage) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[msg.Type]...)
	taps := slices.Clone(b.taps)
	b.mu.RUnlock()

	for _, tap := range taps {
		tap(msg.Clone())
	}
	for _, sub := range subs {
		b.enqueue(sub, msg.Clone())
	}
}

func (b *MessageBus) enqueue(sub *subscriber, msg agent.AgentMessage) {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return
	}
	b.inflight.Add(1)
	sub.queue = append(sub.queue, msg)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// forward delivers sub's queue in order until the subscription is cancelled
// or the bus halts.
func (b *MessageBus) forward(sub *subscriber) {
	defer b.discard(sub)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.wake:
				continue
			case <-sub.quit:
				return
			case <-b.halt:
				return
			}
		}
		msg := sub.queue[0]
		sub.queue[0] = agent.AgentMessage{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		switch send(sub.ch, msg, sub.quit, b.halt) {
		case sendDelivered:
			b.count(func(s *Stats) { s.Delivered++ })
			b.inflight.Done()
		case sendClosed:
			b.count(func(s *Stats) { s.Dropped++ })
			slog.Debug("Bus delivery to closed channel dropped", "type", msg.Type, "id", msg.ID)
			b.inflight.Done()
		case sendAborted:
			b.inflight.Done()
			return
		}
	}
}

// discard settles whatever is still queued once forwarding stops.
func (b *MessageBus) discard(sub *subscriber) {
	sub.mu.Lock()
	n := len(sub.queue)
	sub.queue = nil
	sub.stopped = true
	sub.mu.Unlock()
	for i := 0; i < n; i++ {
		b.inflight.Done()
	}
}

type sendResult int

const (
	sendDelivered sendResult = iota
	sendClosed
	sendAborted
)

// send blocks until msg is accepted by ch or forwarding is aborted. Sending
// on a closed channel is recovered and reported as sendClosed.
func send(ch chan<- agent.AgentMessage, msg agent.AgentMessage, quit, halt <-chan struct{}) (res sendResult) {
	defer func() {
		if recover() != nil {
			res = sendClosed
		}
	}()
	select {
	case ch <- msg:
		return sendDelivered
	case <-quit:
		return sendAborted
	case <-halt:
		return sendAborted
	}
}

// Close stops accepting new envelopes. Publishes already in progress either
// complete before Close returns or fail with ErrClosed; a running
// ProcessMessages then drains the queue and returns.
func (b *MessageBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	// Blocked publishers observe done and release sendMu.
	b.sendMu.Lock()
	close(b.sealed)
	b.sendMu.Unlock()
}

// Closed reports whether Close has been called.
func (b *MessageBus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Stats returns a snapshot of the bus counters.
func (b *MessageBus) Stats() Stats {
	b.statsMu.Lock()
	s := b.stats
	b.statsMu.Unlock()

	s.Queued = len(b.ingress)
	b.mu.RLock()
	for _, list := range b.subs {
		s.Subscribers += len(list)
		for _, sub := range list {
			sub.mu.Lock()
			s.Backlog += len(sub.queue)
			sub.mu.Unlock()
		}
	}
	b.mu.RUnlock()
	return s
}

// QueueSize returns the number of envelopes waiting for dispatch.
func (b *MessageBus) QueueSize() int {
	return len(b.ingress)
}

func (b *MessageBus) count(fn func(*Stats)) {
	b.statsMu.Lock()
	fn(&b.stats)
	b.statsMu.Unlock()
}
