package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/mannequin/internal/bus"
)

// WSTargetMessage sets one slot.
type WSTargetMessage struct {
	Type     string     `json:"type"`
	Slot     string     `json:"slot"`
	Position [3]float64 `json:"position"`
	// Rotation is a quaternion (x, y, z, w). Omitted means identity.
	Rotation *[4]float64 `json:"rotation,omitempty"`
}

// WSClearMessage empties one slot.
type WSClearMessage struct {
	Type string `json:"type"`
	Slot string `json:"slot"`
}

// ErrorMessage is a server-side error report; it is logged, not applied.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Sink receives target updates.
type Sink interface {
	Set(slot Slot, m mgl64.Mat4)
	Clear(slot Slot)
}

// Feed streams target transforms from a websocket into a Sink.
type Feed struct {
	rawURL   string
	sink     Sink
	eventBus *bus.EventBus
	logger   zerolog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	received  int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFeed creates a feed for a ws:// or http:// URL.
func NewFeed(rawURL string, sink Sink, eventBus *bus.EventBus, logger zerolog.Logger) *Feed {
	return &Feed{
		rawURL:         rawURL,
		sink:           sink,
		eventBus:       eventBus,
		logger:         logger.With().Str("component", "target-feed").Logger(),
		initialBackoff: 3 * time.Second,
		maxBackoff:     60 * time.Second,
	}
}

// SetBackoff overrides the reconnect delays.
func (f *Feed) SetBackoff(initial, max time.Duration) {
	f.initialBackoff = initial
	f.maxBackoff = max
}

// Connect starts the connection loop in the background.
func (f *Feed) Connect(ctx context.Context) error {
	target, err := f.endpoint()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	go func() {
		defer close(done)
		f.connectLoop(ctx, target)
	}()
	return nil
}

// Disconnect stops the loop and closes the connection.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected = false
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsConnected reports whether the feed currently holds a connection.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Received returns the number of applied target messages.
func (f *Feed) Received() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.received
}

func (f *Feed) endpoint() (string, error) {
	u, err := url.Parse(f.rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported feed scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// connectLoop dials, reads until the connection drops, then backs off and redials.
func (f *Feed) connectLoop(ctx context.Context, target string) {
	backoff := f.initialBackoff
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := f.connectWS(ctx, target)
		wasConnected := f.markDisconnected()
		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			f.publish(bus.EventTypeFeedLost, map[string]any{"error": err.Error()})
			backoff = f.initialBackoff
			consecutiveFailures = 0
		}

		consecutiveFailures++
		if consecutiveFailures == 3 {
			f.logger.Warn().
				Err(err).
				Int("failures", consecutiveFailures).
				Msg("Target feed not available, will retry less frequently")
			backoff = f.maxBackoff
		} else if consecutiveFailures > 3 {
			f.logger.Debug().Int("failures", consecutiveFailures).Msg("Target feed still unavailable")
		} else {
			f.logger.Warn().Err(err).Msg("Target feed connection failed, reconnecting...")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < f.maxBackoff {
			backoff *= 2
			if backoff > f.maxBackoff {
				backoff = f.maxBackoff
			}
		}
	}
}

func (f *Feed) markDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.connected
	f.connected = false
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	return was
}

// connectWS dials and reads until the connection fails.
func (f *Feed) connectWS(ctx context.Context, target string) error {
	f.logger.Info().Str("url", target).Msg("Connecting to target feed")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	f.logger.Info().Msg("Connected to target feed")
	f.publish(bus.EventTypeFeedConnected, map[string]any{"url": target})

	// ReadJSON blocks; closing the connection on cancel unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(msg)
	}
}

// handleMessage applies one incoming message.
func (f *Feed) handleMessage(raw json.RawMessage) {
	var typeMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &typeMsg); err != nil {
		f.logger.Warn().Err(err).Msg("Failed to parse message type")
		return
	}

	switch typeMsg.Type {
	case "target":
		var msg WSTargetMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to parse target message")
			return
		}
		slot, err := ParseSlot(msg.Slot)
		if err != nil {
			f.logger.Warn().Err(err).Msg("Ignoring target")
			return
		}
		f.sink.Set(slot, msg.Transform())

		f.mu.Lock()
		f.received++
		f.mu.Unlock()

		f.logger.Debug().Str("slot", slot.String()).Floats64("position", msg.Position[:]).Msg("Target updated")
		f.publish(bus.EventTypeTargetUpdated, map[string]any{"slot": slot.String()})

	case "clear":
		var msg WSClearMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to parse clear message")
			return
		}
		slot, err := ParseSlot(msg.Slot)
		if err != nil {
			f.logger.Warn().Err(err).Msg("Ignoring clear")
			return
		}
		f.sink.Clear(slot)
		f.logger.Debug().Str("slot", slot.String()).Msg("Target cleared")

	case "error":
		var msg ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to parse error message")
			return
		}
		f.logger.Warn().Str("message", msg.Message).Msg("Server error")

	default:
		f.logger.Debug().Str("type", typeMsg.Type).Msg("Unknown message type")
	}
}

// Transform converts the message to a rigid transform.
func (m WSTargetMessage) Transform() mgl64.Mat4 {
	t := mgl64.Translate3D(m.Position[0], m.Position[1], m.Position[2])
	if m.Rotation == nil {
		return t
	}
	r := *m.Rotation
	q := mgl64.Quat{W: r[3], V: mgl64.Vec3{r[0], r[1], r[2]}}
	if q.Len() < 1e-9 {
		return t
	}
	return t.Mul4(q.Normalize().Mat4())
}

func (f *Feed) publish(t bus.EventType, data map[string]any) {
	if f.eventBus == nil {
		return
	}
	f.eventBus.Publish(bus.Event{Type: t, Source: f.rawURL, Data: data})
}
