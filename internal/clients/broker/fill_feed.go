package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	feedDialTimeout        = 30 * time.Second
	feedBaseReconnectDelay = time.Second
	feedMaxReconnectDelay  = 2 * time.Minute
)

// FillHandler receives every fill pushed by the broker, in arrival order.
type FillHandler func(ctx context.Context, fill domain.Fill) error

// feedMessage is the push envelope: {"type": "fill", "data": {...}}.
type feedMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// FillFeed consumes the broker's websocket fill stream and reconnects with exponential
// backoff until stopped.
type FillFeed struct {
	url         string
	credentials domain.CredentialProvider
	handler     FillHandler
	log         zerolog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFillFeed creates a feed. credentials may be nil.
func NewFillFeed(url string, credentials domain.CredentialProvider, handler FillHandler, log zerolog.Logger) *FillFeed {
	return &FillFeed{
		url:         url,
		credentials: credentials,
		handler:     handler,
		log:         log.With().Str("component", "fill_feed").Logger(),
		baseDelay:   feedBaseReconnectDelay,
		maxDelay:    feedMaxReconnectDelay,
	}
}

// Start runs the read loop in the background. It is a no-op when already running.
func (f *FillFeed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx, f.done)

	f.log.Info().Str("url", f.url).Msg("Fill feed started")
}

// Stop closes the connection and waits for the read loop to exit.
func (f *FillFeed) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.log.Info().Msg("Fill feed stopped")
}

// Connected reports whether a connection is currently open.
func (f *FillFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *FillFeed) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		delivered, err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			failures = 0
		}
		failures++
		delay := f.reconnectDelay(failures)
		f.log.Warn().Err(err).Int("attempt", failures).Dur("delay", delay).Msg("Fill feed disconnected, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (f *FillFeed) reconnectDelay(failures int) time.Duration {
	d := f.baseDelay
	for i := 1; i < failures && d < f.maxDelay; i++ {
		d *= 2
	}
	if d > f.maxDelay {
		d = f.maxDelay
	}
	return d
}

// session holds one connection until it fails. It reports whether any message arrived.
func (f *FillFeed) session(ctx context.Context) (bool, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.setConnected(true)
	defer f.setConnected(false)
	f.log.Info().Msg("Connected to fill feed")

	delivered := false
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return delivered, fmt.Errorf("fill feed closed by server: %w", err)
			}
			return delivered, fmt.Errorf("fill feed read failed: %w", err)
		}
		delivered = true

		if msgType != websocket.MessageText {
			continue
		}
		if err := f.handleMessage(ctx, data); err != nil {
			f.log.Error().Err(err).Str("message", string(data)).Msg("Failed to handle fill feed message")
		}
	}
}

func (f *FillFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if f.credentials != nil {
		token, err := f.credentials.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, feedDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("failed to dial fill feed: %w", err)
	}
	return conn, nil
}

func (f *FillFeed) handleMessage(ctx context.Context, data []byte) error {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	switch msg.Type {
	case "fill":
		var fill domain.Fill
		if err := json.Unmarshal(msg.Data, &fill); err != nil {
			return fmt.Errorf("failed to parse fill: %w", err)
		}
		if fill.OrderID == "" || !fill.Quantity.IsPositive() {
			return fmt.Errorf("malformed fill for order %q", fill.OrderID)
		}
		return f.handler(ctx, fill)
	case "heartbeat":
		return nil
	default:
		f.log.Debug().Str("type", msg.Type).Msg("Ignoring fill feed message")
		return nil
	}
}

func (f *FillFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}
