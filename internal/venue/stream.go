package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
)

// ConnState tracks the stream lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateSubscribed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	readDeadline   = 60 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Handler consumes canonical events.
type Handler func(Event)

type subIntent struct {
	assetIDs []string
	remove   bool
}

type subscribeFrame struct {
	AssetIDs  []string `json:"assets_ids"`
	Type      string   `json:"type"`
	Operation string   `json:"operation,omitempty"`
}

// StreamStats are cumulative counters exposed on the health endpoint.
type StreamStats struct {
	Reconnects int64 `json:"reconnects"`
	Messages   int64 `json:"messages"`
	Events     int64 `json:"events"`
}

// Stream is the single market-channel websocket connection. The run loop
// is the only goroutine that touches the connection and the subscription
// set; external callers hand in subscribe/unsubscribe intents through a
// channel and register handlers up front.
type Stream struct {
	cfg     config.VenueConfig
	met     *metrics.Registry
	intents chan subIntent

	mu       sync.RWMutex
	subs     map[string]struct{}
	handlers map[string]Handler
	wildcard Handler

	state      atomic.Int32
	stopOnce   sync.Once
	stopCh     chan struct{}
	reconnects atomic.Int64
	messages   atomic.Int64
	events     atomic.Int64
}

// NewStream builds the stream client; Run starts it.
func NewStream(cfg config.VenueConfig, met *metrics.Registry) *Stream {
	return &Stream{
		cfg:      cfg,
		met:      met,
		intents:  make(chan subIntent, 256),
		subs:     make(map[string]struct{}),
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}
}

// OnAsset registers a per-asset handler. Register before Run.
func (s *Stream) OnAsset(assetID string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[assetID] = h
}

// OnAll registers the wildcard handler receiving every event.
func (s *Stream) OnAll(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wildcard = h
}

// Subscribe queues asset ids for subscription. Duplicates are dropped by
// the run loop's set.
func (s *Stream) Subscribe(assetIDs []string) {
	if len(assetIDs) == 0 {
		return
	}
	select {
	case s.intents <- subIntent{assetIDs: assetIDs}:
	case <-s.stopCh:
	}
}

// Unsubscribe removes asset ids; a best-effort unsubscribe frame is sent.
func (s *Stream) Unsubscribe(assetIDs []string) {
	if len(assetIDs) == 0 {
		return
	}
	select {
	case s.intents <- subIntent{assetIDs: assetIDs, remove: true}:
	case <-s.stopCh:
	}
}

// State reports the connection state.
func (s *Stream) State() ConnState { return ConnState(s.state.Load()) }

// Stats snapshots the stream counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Reconnects: s.reconnects.Load(),
		Messages:   s.messages.Load(),
		Events:     s.events.Load(),
	}
}

// SubscriptionCount reports the size of the subscription set.
func (s *Stream) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Disconnect permanently stops the stream and clears subscription and
// handler state. Run returns soon after.
func (s *Stream) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.state.Store(int32(StateClosed))
	s.mu.Lock()
	s.subs = make(map[string]struct{})
	s.handlers = make(map[string]Handler)
	s.wildcard = nil
	s.mu.Unlock()
}

// Run drives the connect/read/reconnect loop until the context is
// cancelled, Disconnect is called, or the reconnect budget is spent.
// Backoff doubles from 1s to a 30s cap; a successful session resets both
// the backoff and the attempt counter.
func (s *Stream) Run(ctx context.Context) error {
	attempts := 0
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateDisconnected))
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		s.state.Store(int32(StateConnecting))
		conn, err := s.dial(ctx)
		if err != nil {
			attempts++
			s.reconnects.Add(1)
			s.met.StreamReconnects.Inc()
			if s.cfg.MaxReconnects > 0 && attempts >= s.cfg.MaxReconnects {
				s.state.Store(int32(StateDisconnected))
				return fmt.Errorf("stream: giving up after %d connection attempts: %w", attempts, err)
			}
			log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", backoff).
				Msg("stream connect failed")
			select {
			case <-ctx.Done():
				return nil
			case <-s.stopCh:
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		attempts = 0
		backoff = initialBackoff
		log.Info().Str("url", s.cfg.WebsocketURL).Msg("stream connected")

		err = s.session(ctx, conn)
		conn.Close()
		switch {
		case ctx.Err() != nil:
			s.state.Store(int32(StateDisconnected))
			return nil
		case errors.Is(err, errStopped):
			return nil
		default:
			s.reconnects.Add(1)
			s.met.StreamReconnects.Inc()
			s.state.Store(int32(StateDisconnected))
			log.Warn().Err(err).Msg("stream session ended, reconnecting")
		}
	}
}

var errStopped = errors.New("stream stopped")

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.WebsocketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.WebsocketURL, err)
	}
	return conn, nil
}

// session owns one live connection: it resubscribes the current set,
// heartbeats, applies intents and dispatches messages until the socket
// breaks or the stream is stopped.
func (s *Stream) session(ctx context.Context, conn *websocket.Conn) error {
	s.state.Store(int32(StateConnected))

	if ids := s.snapshotSubs(); len(ids) > 0 {
		s.state.Store(int32(StateSubscribing))
		if err := s.sendSubscribe(conn, ids, false); err != nil {
			return err
		}
	}
	s.state.Store(int32(StateSubscribed))

	msgs := make(chan []byte, 256)
	readErr := make(chan error, 1)
	go readLoop(conn, msgs, readErr)

	ping := time.NewTicker(s.cfg.Ping())
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return errStopped
		case <-ping.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case intent := <-s.intents:
			if err := s.applyIntent(conn, intent); err != nil {
				return err
			}
		case data := <-msgs:
			s.messages.Add(1)
			s.dispatch(DecodeEvents(data))
		case err := <-readErr:
			return err
		}
	}
}

func readLoop(conn *websocket.Conn, msgs chan<- []byte, readErr chan<- error) {
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		msgs <- data
	}
}

// applyIntent mutates the subscription set and tells the venue. Additions
// already present and removals already absent send nothing.
func (s *Stream) applyIntent(conn *websocket.Conn, intent subIntent) error {
	changed := make([]string, 0, len(intent.assetIDs))

	s.mu.Lock()
	for _, id := range intent.assetIDs {
		if id == "" {
			continue
		}
		_, present := s.subs[id]
		if intent.remove && present {
			delete(s.subs, id)
			changed = append(changed, id)
		} else if !intent.remove && !present {
			s.subs[id] = struct{}{}
			changed = append(changed, id)
		}
	}
	s.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	if intent.remove {
		// Best effort: losing an unsubscribe only costs ignored traffic.
		if err := s.sendSubscribe(conn, changed, true); err != nil {
			log.Debug().Err(err).Msg("unsubscribe frame failed")
		}
		return nil
	}
	return s.sendSubscribe(conn, changed, false)
}

func (s *Stream) sendSubscribe(conn *websocket.Conn, assetIDs []string, remove bool) error {
	frame := subscribeFrame{AssetIDs: assetIDs, Type: "market"}
	if remove {
		frame.Operation = "unsubscribe"
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("subscribe frame: %w", err)
	}
	log.Debug().Int("assets", len(assetIDs)).Bool("remove", remove).Msg("subscription frame sent")
	return nil
}

func (s *Stream) snapshotSubs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// dispatch fans events to the wildcard and per-asset handlers.
func (s *Stream) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	wildcard := s.wildcard
	handlers := s.handlers
	s.mu.RUnlock()

	for _, evt := range events {
		s.events.Add(1)
		if wildcard != nil {
			wildcard(evt)
		}
		if h, ok := handlers[evt.Asset()]; ok {
			h(evt)
		}
	}
}
