// Package bridge mirrors bus envelopes onto a Kafka topic and replays
// envelopes produced by other nodes onto the local bus.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/deadops/deadops/internal/agent"
)

// Writer is satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is satisfied by *kafka.Reader.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Publisher accepts envelopes read from Kafka. *bus.MessageBus satisfies it.
type Publisher interface {
	PublishContext(ctx context.Context, msg agent.AgentMessage) error
}

// Options configures a Bridge.
type Options struct {
	NodeID string
	Codec  Codec
	Buffer int

	// Types limits forwarding to these message types. Empty forwards all.
	Types []agent.MessageType
}

// Stats counts bridge traffic.
type Stats struct {
	Forwarded uint64
	Received  uint64
	Skipped   uint64
	Dropped   uint64
	Errors    uint64
}

// Bridge connects a local bus to Kafka. Observe is installed as a bus tap;
// Run pumps both directions until ctx is done.
type Bridge struct {
	opts   Options
	types  map[agent.MessageType]bool
	writer Writer
	reader Reader
	pub    Publisher
	out    chan agent.AgentMessage

	mu       sync.Mutex
	imported map[string]struct{}
	order    []string

	forwarded atomic.Uint64
	received  atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64
	errs      atomic.Uint64
}

const importedWindow = 4096

// New builds a bridge. writer or reader may be nil to run one direction only.
func New(opts Options, writer Writer, reader Reader, pub Publisher) *Bridge {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Codec == "" {
		opts.Codec = CodecJSON
	}
	b := &Bridge{
		opts:     opts,
		writer:   writer,
		reader:   reader,
		pub:      pub,
		out:      make(chan agent.AgentMessage, opts.Buffer),
		imported: make(map[string]struct{}),
	}
	if len(opts.Types) > 0 {
		b.types = make(map[agent.MessageType]bool, len(opts.Types))
		for _, t := range opts.Types {
			b.types[t] = true
		}
	}
	return b
}

// Dial connects a writer and, when groupID is set, a reader to brokers.
func Dial(brokers, topic, groupID string, auth Auth, opts Options, pub Publisher) (*Bridge, error) {
	brokerList := strings.Split(brokers, ",")
	transport, err := auth.Transport(10 * time.Second)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokerList...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	var r Reader
	if groupID != "" {
		dialer, err := auth.Dialer()
		if err != nil {
			w.Close()
			return nil, err
		}
		r = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokerList,
			Topic:    topic,
			GroupID:  groupID,
			Dialer:   dialer,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return New(opts, w, r, pub), nil
}

// Observe queues msg for forwarding. It never blocks; envelopes that arrived
// from Kafka or that do not match the type filter are skipped.
func (b *Bridge) Observe(msg agent.AgentMessage) {
	if b.writer == nil {
		return
	}
	if b.types != nil && !b.types[msg.Type] {
		return
	}
	if b.wasImported(msg.ID) {
		b.skipped.Add(1)
		return
	}
	select {
	case b.out <- msg:
	default:
		b.dropped.Add(1)
		slog.Warn("Bridge: forward queue full, dropping", "id", msg.ID, "type", msg.Type)
	}
}

// Run forwards queued envelopes and consumes the topic until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if b.reader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consume(ctx)
		}()
	}
	if b.writer != nil {
		b.forward(ctx)
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	return nil
}

func (b *Bridge) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.out:
			if err := b.write(ctx, msg); err != nil {
				b.errs.Add(1)
				slog.Warn("Bridge: forward failed", "id", msg.ID, "type", msg.Type, "error", err)
			}
		}
	}
}

func (b *Bridge) write(ctx context.Context, msg agent.AgentMessage) error {
	value, err := b.opts.Codec.Encode(msg)
	if err != nil {
		return err
	}
	km := kafka.Message{
		Key:   []byte(msg.Type.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: CodecHeader, Value: []byte(b.opts.Codec)},
			{Key: OriginHeader, Value: []byte(b.opts.NodeID)},
		},
		Time: msg.Timestamp,
	}
	if err := b.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("write %s: %w", msg.ID, err)
	}
	b.forwarded.Add(1)
	return nil
}

func (b *Bridge) consume(ctx context.Context) {
	for {
		km, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			b.errs.Add(1)
			slog.Warn("Bridge: read error", "error", err)
			continue
		}
		if err := b.handle(ctx, km); err != nil {
			b.errs.Add(1)
			slog.Warn("Bridge: dropped inbound envelope", "offset", km.Offset, "error", err)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, km kafka.Message) error {
	codec := CodecJSON
	var origin string
	for _, h := range km.Headers {
		switch h.Key {
		case CodecHeader:
			c, err := ParseCodec(string(h.Value))
			if err != nil {
				return err
			}
			codec = c
		case OriginHeader:
			origin = string(h.Value)
		}
	}
	if origin != "" && origin == b.opts.NodeID {
		b.skipped.Add(1)
		return nil
	}

	msg, err := codec.Decode(km.Value)
	if err != nil {
		return err
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("invalid message type in %s", msg.ID)
	}
	b.remember(msg.ID)
	if err := b.pub.PublishContext(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	b.received.Add(1)
	return nil
}

func (b *Bridge) remember(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.imported[id]; ok {
		return
	}
	b.imported[id] = struct{}{}
	b.order = append(b.order, id)
	if len(b.order) > importedWindow {
		delete(b.imported, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *Bridge) wasImported(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.imported[id]
	return ok
}

// Stats returns traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Forwarded: b.forwarded.Load(),
		Received:  b.received.Load(),
		Skipped:   b.skipped.Load(),
		Dropped:   b.dropped.Load(),
		Errors:    b.errs.Load(),
	}
}

// Close releases the Kafka clients.
func (b *Bridge) Close() error {
	var errs []error
	if b.writer != nil {
		errs = append(errs, b.writer.Close())
	}
	if b.reader != nil {
		errs = append(errs, b.reader.Close())
	}
	return errors.Join(errs...)
}
