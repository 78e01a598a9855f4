// Package livefeed provides the in-process WebSocket broadcaster for the
// daemon's live invocation feed. The Broadcaster fans newly dispatched
// invocation records out to all currently-connected operator clients without
// blocking the dispatcher's hot path.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     feed messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to command dispatch.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - A client may register with a filter predicate over FeedData so an
//     operator's connection can be scoped to one user or to allowed/denied
//     invocations only, instead of always receiving the full stream.
//   - Anonymous subscribers (in-process consumers of Subscribe) receive
//     invocation.Record values directly via a second sync.Map.
//   - Closing a subscription or unregistering a client signals the associated
//     WebSocket pump goroutine to exit cleanly.
package livefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eyrie-systems/remctld/internal/invocation"
)

// FeedData holds the structured invocation payload sent to operator clients
// as part of a FeedMessage envelope.
type FeedData struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	User       string `json:"user"`
	PeerAddr   string `json:"peer_addr,omitempty"`
	Command    string `json:"command"`
	Subcommand string `json:"subcommand,omitempty"`
	Program    string `json:"program,omitempty"`
	Allowed    bool   `json:"allowed"`
	Status     int    `json:"status"`
}

// FeedMessage is the top-level JSON envelope pushed to browser WebSocket
// clients. Type is always "invocation" for dispatch events.
type FeedMessage struct {
	Type string   `json:"type"`
	Data FeedData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id        string
	send      chan []byte
	filter    func(FeedData) bool // nil means "deliver everything"
	closeOnce sync.Once           // guards against Unregister and Close racing to close send
	Dropped   atomic.Int64        // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded feed frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// closeSend closes the client's send channel exactly once: Unregister and a
// concurrent Broadcaster.Close may both observe this client and race to
// close it otherwise.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Broadcaster fans invocation events out to all currently-connected
// WebSocket clients (via Register/Unregister/Broadcast) and to all anonymous
// channel subscribers (via Subscribe/Unsubscribe/Publish). It is safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	subs sync.Map // map[<-chan invocation.Record]chan invocation.Record

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client and per-subscriber channel buffer depth. Pass 0
// to use the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	return b.RegisterFiltered(id, nil)
}

// RegisterFiltered is Register with a client-side predicate: when filter is
// non-nil, Broadcast consults it against each message's FeedData and skips
// delivery to this client when it returns false. This backs scoped live-feed
// connections (e.g. one operator watching only their own invocations, or
// only denied ones) without duplicating the fan-out machinery per scope.
func (b *Broadcaster) RegisterFiltered(id string, filter func(FeedData) bool) *Client {
	c := &Client{
		id:     id,
		send:   make(chan []byte, b.bufSize),
		filter: filter,
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated write goroutine exits cleanly. Calling
// Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		c.closeSend()
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg to JSON and delivers the payload to every
// registered client using a non-blocking send. When a client's buffer is
// full the message is dropped and the client's Dropped counter is
// incremented.
func (b *Broadcaster) Broadcast(msg FeedMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("livefeed broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if c.filter != nil && !c.filter(msg.Data) {
			return true
		}
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("livefeed broadcaster: client buffer full, dropping invocation",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Subscribe registers an anonymous subscriber and returns a channel on which
// invocation.Record values will be delivered. The channel is closed
// automatically when ctx is cancelled or when Close is called.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan invocation.Record {
	ch := make(chan invocation.Record, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store(ch, ch)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes the
// channel so the consumer loop exits cleanly. It is safe to call
// Unsubscribe after the broadcaster has been closed.
func (b *Broadcaster) Unsubscribe(ch <-chan invocation.Record) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan invocation.Record))
	}
}

// Publish delivers rec to every anonymous subscriber and also converts it to
// a FeedMessage that is broadcast to every registered WebSocket client.
func (b *Broadcaster) Publish(rec invocation.Record) {
	if b.closed.Load() {
		return
	}

	b.subs.Range(func(key, value any) bool {
		ch := value.(chan invocation.Record)
		select {
		case ch <- rec:
		default:
			b.logger.Warn("livefeed broadcaster: subscriber buffer full, dropping invocation",
				slog.String("id", rec.ID),
				slog.String("user", rec.User),
			)
		}
		return true
	})

	b.Broadcast(FeedMessage{
		Type: "invocation",
		Data: FeedData{
			ID:         rec.ID,
			Timestamp:  rec.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
			User:       rec.User,
			PeerAddr:   rec.PeerAddr,
			Command:    rec.Command,
			Subcommand: rec.Subcommand,
			Program:    rec.Program,
			Allowed:    rec.Allowed,
			Status:     rec.Status,
		},
	})
}

// Close removes all subscriptions and registered clients, closes every
// channel, and releases internal resources. After Close returns,
// Publish and Broadcast are no-ops and Subscribe returns a closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan invocation.Record))
			return true
		})

		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			c.closeSend()
			b.clientCnt.Add(-1)
			return true
		})
	})
}
