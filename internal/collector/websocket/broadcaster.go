// Package websocket is the collector's in-process fan-out broadcaster:
// every finding persisted by [internal/collector/grpc.Service] is published
// here, and any number of WebSocket (or other) client goroutines can
// Register to receive a copy without blocking the ingestion path.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/traceforge/cryptoscan/internal/collector/storage"
)

// FindingMessage is the JSON envelope sent to every registered client.
type FindingMessage struct {
	Type    string           `json:"type"`
	Finding storage.Finding `json:"finding"`
}

// Client is a registered broadcast recipient. Send reads buffered messages;
// Dropped counts messages discarded because the client's buffer was full.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's identifier, as passed to Register.
func (c *Client) ID() string { return c.id }

// Send returns the channel the client should read broadcast messages from.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans out findings to named clients and anonymous subscribers.
// Safe for concurrent use. Broadcast and Publish never block on a slow
// consumer: a client whose buffer is full has the message dropped and its
// Dropped counter incremented, rather than stalling the gRPC ingestion
// goroutine that called Publish.
type Broadcaster struct {
	clients   sync.Map // string -> *Client
	clientCnt atomic.Int64

	subs sync.Map // int64 -> chan []byte
	subID atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster returns a Broadcaster whose per-client channels buffer up
// to bufSize messages. bufSize <= 0 defaults to 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register adds a named client and returns it. The caller is responsible for
// reading from Client.Send() until Unregister or Close.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes a named client and closes its channel.
func (b *Broadcaster) Unregister(id string) {
	if v, ok := b.clients.LoadAndDelete(id); ok {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered named clients.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// Broadcast marshals msg to JSON and delivers it to every registered named
// client, skipping (and counting as Dropped) any client whose buffer is
// full.
func (b *Broadcaster) Broadcast(msg FindingMessage) {
	if b.closed.Load() {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket: marshal broadcast message", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
		}
		return true
	})
}

// Subscribe registers an anonymous channel that receives every Publish call
// until ctx is cancelled or Unsubscribe is called with the returned channel.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan []byte {
	id := b.subID.Add(1)
	ch := make(chan []byte, b.bufSize)
	b.subs.Store(id, ch)

	go func() {
		<-ctx.Done()
		b.unsubscribeByID(id)
	}()

	return ch
}

// Unsubscribe removes an anonymous subscriber channel returned by Subscribe.
func (b *Broadcaster) Unsubscribe(ch <-chan []byte) {
	b.subs.Range(func(k, v any) bool {
		stored := v.(chan []byte)
		if (<-chan []byte)(stored) == ch {
			b.unsubscribeByID(k.(int64))
			return false
		}
		return true
	})
}

func (b *Broadcaster) unsubscribeByID(id int64) {
	if v, ok := b.subs.LoadAndDelete(id); ok {
		close(v.(chan []byte))
	}
}

// Publish delivers f to anonymous subscribers and to every named client, the
// latter wrapped in a FindingMessage envelope. It never blocks.
func (b *Broadcaster) Publish(f storage.Finding) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(f)
	if err != nil {
		b.logger.Error("websocket: marshal finding", slog.Any("error", err))
		return
	}
	b.subs.Range(func(_, v any) bool {
		ch := v.(chan []byte)
		select {
		case ch <- raw:
		default:
		}
		return true
	})

	b.Broadcast(FindingMessage{Type: "finding", Finding: f})
}

// Close shuts down the broadcaster, closing every client and subscriber
// channel. Idempotent.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(k, v any) bool {
			close(v.(*Client).send)
			b.clients.Delete(k)
			return true
		})
		b.subs.Range(func(k, v any) bool {
			close(v.(chan []byte))
			b.subs.Delete(k)
			return true
		})
	})
}
