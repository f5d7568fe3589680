package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"dabba-client/internal/logging"
	"dabba-client/internal/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	defaultBaseDelay         = 1 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 10
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second

	maxMissedPongs = 2
)

type Config struct {
	Dial              DialFunc
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// Subscription is an opaque handle returned by Subscribe.
type Subscription struct {
	channel string
	id      int
	fn      func(Frame)
}

type Status struct {
	State              State
	ReconnectAttempts  int
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
	QueuedMessages     int
}

// Transport owns one persistent connection. Callbacks are delivered from the
// receive loop goroutine, one frame at a time, in registration order.
type Transport struct {
	cfg   Config
	retry *backoff.ExponentialBackOff

	missedPongs atomic.Int32

	mu               sync.Mutex
	state            State
	socket           Socket
	attempts         int
	manualClose      bool
	lastConnected    time.Time
	lastDisconnected time.Time
	reconnectTimer   *time.Timer
	runCtx           context.Context
	runCancel        context.CancelFunc
	connCancel       context.CancelFunc
	queue            []Frame
	subs             map[string][]*Subscription
	nextSubID        int
	listeners        map[int]func(Frame)
	nextListenerID   int
}

func NewTransport(cfg Config) *Transport {
	if cfg.Dial == nil {
		panic("realtime.NewTransport: dial func must not be nil")
	}
	if cfg.Logger == nil {
		panic("realtime.NewTransport: logger must not be nil")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.BaseDelay
	retry.Multiplier = 2
	retry.MaxInterval = cfg.MaxDelay
	retry.RandomizationFactor = 0
	retry.Reset()

	return &Transport{
		cfg:       cfg,
		retry:     retry,
		state:     StateDisconnected,
		subs:      map[string][]*Subscription{},
		listeners: map[int]func(Frame){},
	}
}

// Connect is idempotent: a no-op while connecting/connected. It resets the
// reconnect-attempt counter and returns an error only when the socket cannot
// even be opened.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		state := t.state
		t.mu.Unlock()
		t.cfg.Logger.Debug("connect ignored: transport already " + string(state))
		return nil
	}
	t.manualClose = false
	t.attempts = 0
	t.retry.Reset()
	t.stopReconnectTimerLocked()
	if t.runCancel != nil {
		t.runCancel()
	}
	t.runCtx, t.runCancel = context.WithCancel(context.Background())
	t.state = StateConnecting
	t.mu.Unlock()

	sock, err := t.cfg.Dial(ctx)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return err
	}
	t.onOpen(sock)
	return nil
}

// Disconnect performs a clean close: pending reconnects are canceled, the
// socket is closed with code 1000, and no automatic reconnect follows.
// Idempotent.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manualClose = true
	t.stopReconnectTimerLocked()
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	if t.runCancel != nil {
		t.runCancel()
		t.runCancel = nil
	}
	sock := t.socket
	t.socket = nil
	if t.state != StateDisconnected {
		t.state = StateDisconnected
		t.lastDisconnected = time.Now()
	}
	t.mu.Unlock()

	if sock != nil {
		_ = sock.Close(websocket.StatusNormalClosure, "client disconnect")
		t.cfg.Logger.Info("realtime disconnected by client")
	}
}

// Subscribe registers fn under channel. The first subscriber announces the
// channel upstream when connected; announcement is otherwise deferred to the
// next successful connect.
func (t *Transport) Subscribe(channel string, fn func(Frame)) *Subscription {
	if fn == nil {
		panic("realtime.Transport.Subscribe: callback must not be nil")
	}
	t.mu.Lock()
	t.nextSubID++
	sub := &Subscription{channel: channel, id: t.nextSubID, fn: fn}
	t.subs[channel] = append(t.subs[channel], sub)
	first := len(t.subs[channel]) == 1
	var sock Socket
	var ctx context.Context
	if first && t.state == StateConnected {
		sock = t.socket
		ctx = t.runCtx
	}
	t.mu.Unlock()

	if sock != nil {
		t.announce(ctx, sock, TypeJoinOrderRoom, channel)
	}
	return sub
}

// Unsubscribe removes exactly the matching registration. The last subscriber
// on a channel announces the leave upstream and drops the channel entry.
func (t *Transport) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t.mu.Lock()
	list, ok := t.subs[sub.channel]
	if !ok {
		t.mu.Unlock()
		return
	}
	for i, registered := range list {
		if registered == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(t.subs, sub.channel)
	} else {
		t.subs[sub.channel] = list
	}
	var sock Socket
	var ctx context.Context
	if last && t.state == StateConnected {
		sock = t.socket
		ctx = t.runCtx
	}
	t.mu.Unlock()

	if sock != nil {
		t.announce(ctx, sock, TypeLeaveOrderRoom, sub.channel)
	}
}

// OnMessage registers a listener for frames no channel subscriber claims.
// Returns an unsubscribe func.
func (t *Transport) OnMessage(fn func(Frame)) func() {
	if fn == nil {
		panic("realtime.Transport.OnMessage: callback must not be nil")
	}
	t.mu.Lock()
	id := t.nextListenerID
	t.nextListenerID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// SendMessage transmits immediately when connected and silently queues
// otherwise. Queued messages flush in FIFO order on the next connect. The
// only error is a marshal failure.
func (t *Transport) SendMessage(msgType string, data any) error {
	frame, err := newFrame(msgType, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == StateConnected && t.socket != nil {
		sock := t.socket
		ctx := t.runCtx
		t.mu.Unlock()
		if writeErr := t.writeFrame(ctx, sock, frame); writeErr != nil {
			t.cfg.Logger.Warn("send failed, queueing message",
				logging.Field("type", msgType),
				logging.Field("error", writeErr),
			)
			t.enqueue(frame)
		}
		return nil
	}
	t.queue = append(t.queue, frame)
	depth := len(t.queue)
	t.mu.Unlock()

	t.cfg.Metrics.SetQueueDepth(depth)
	t.cfg.Logger.Debug("message queued while disconnected",
		logging.Field("type", msgType),
		logging.Field("queue_depth", depth),
	)
	return nil
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		State:              t.state,
		ReconnectAttempts:  t.attempts,
		LastConnectedAt:    t.lastConnected,
		LastDisconnectedAt: t.lastDisconnected,
		QueuedMessages:     len(t.queue),
	}
}

func (t *Transport) onOpen(sock Socket) {
	t.mu.Lock()
	connCtx, connCancel := context.WithCancel(t.runCtx)
	t.connCancel = connCancel
	t.socket = sock
	t.state = StateConnected
	t.attempts = 0
	t.retry.Reset()
	t.lastConnected = time.Now()
	pending := t.queue
	t.queue = nil
	channels := make([]string, 0, len(t.subs))
	for channel := range t.subs {
		channels = append(channels, channel)
	}
	t.mu.Unlock()

	t.missedPongs.Store(0)
	t.cfg.Metrics.SetQueueDepth(0)
	t.cfg.Logger.Info("realtime connected",
		logging.Field("channels", len(channels)),
		logging.Field("pending_messages", len(pending)),
	)

	sort.Strings(channels)
	for _, channel := range channels {
		t.announce(connCtx, sock, TypeJoinOrderRoom, channel)
	}

	for i, frame := range pending {
		if err := t.writeFrame(connCtx, sock, frame); err != nil {
			t.cfg.Logger.Warn("queue flush interrupted, requeueing",
				logging.Field("remaining", len(pending)-i),
				logging.Field("error", err),
			)
			t.mu.Lock()
			t.queue = append(append([]Frame{}, pending[i:]...), t.queue...)
			depth := len(t.queue)
			t.mu.Unlock()
			t.cfg.Metrics.SetQueueDepth(depth)
			break
		}
	}

	go t.readLoop(connCtx, sock)
	go t.heartbeatLoop(connCtx, sock)
}

func (t *Transport) readLoop(ctx context.Context, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			t.handleClosed(sock, err)
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) handleClosed(sock Socket, err error) {
	t.mu.Lock()
	if t.socket != sock {
		// A stale read loop from a connection already torn down elsewhere.
		t.mu.Unlock()
		return
	}
	t.socket = nil
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	t.state = StateDisconnected
	t.lastDisconnected = time.Now()
	manual := t.manualClose
	t.mu.Unlock()

	if manual {
		t.cfg.Logger.Debug("read loop stopped after client disconnect")
		return
	}
	code := websocket.CloseStatus(err)
	if code == websocket.StatusNormalClosure {
		t.cfg.Logger.Info("realtime closed cleanly by server")
		return
	}
	t.cfg.Logger.Warn("realtime connection lost",
		logging.Field("close_code", int(code)),
		logging.Field("error", err),
	)
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.manualClose || t.reconnectTimer != nil {
		return
	}
	if t.attempts >= t.cfg.MaxAttempts {
		// Deliberate terminal state; an explicit Connect resets the counter.
		t.cfg.Logger.Warn("reconnect attempts exhausted, staying disconnected",
			logging.Field("attempts", t.attempts),
		)
		return
	}
	delay := t.retry.NextBackOff()
	t.attempts++
	t.cfg.Metrics.ReconnectAttempt()
	t.cfg.Logger.Info("scheduling reconnect",
		logging.Field("attempt", t.attempts),
		logging.Field("delay", delay.String()),
	)
	t.reconnectTimer = time.AfterFunc(delay, t.attemptReconnect)
}

func (t *Transport) attemptReconnect() {
	t.mu.Lock()
	t.reconnectTimer = nil
	if t.manualClose {
		t.mu.Unlock()
		return
	}
	t.state = StateConnecting
	ctx := t.runCtx
	t.mu.Unlock()

	sock, err := t.cfg.Dial(ctx)
	if err != nil {
		t.cfg.Logger.Warn("reconnect dial failed", logging.Field("error", err))
		t.mu.Lock()
		t.state = StateDisconnected
		t.lastDisconnected = time.Now()
		t.mu.Unlock()
		t.scheduleReconnect()
		return
	}
	t.onOpen(sock)
}

func (t *Transport) heartbeatLoop(ctx context.Context, sock Socket) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.missedPongs.Add(1) > maxMissedPongs {
				t.cfg.Logger.Warn("heartbeat timed out, closing connection")
				_ = sock.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			ping := Frame{Type: TypePing, Timestamp: time.Now().UnixMilli()}
			if err := t.writeFrame(ctx, sock, ping); err != nil {
				t.cfg.Logger.Debug("heartbeat write failed", logging.Field("error", err))
				return
			}
		}
	}
}

// dispatch fans one inbound frame out to its channel subscribers, or to the
// generic listeners when no channel claims it. Malformed frames are dropped.
func (t *Transport) dispatch(data []byte) {
	t.cfg.Metrics.FrameReceived()

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		t.cfg.Metrics.FrameDropped()
		t.cfg.Logger.Warn("dropping malformed frame",
			logging.Field("error", err),
			logging.Field("payload", logging.Truncate(string(data))),
		)
		return
	}

	if frame.Type == TypePong {
		t.missedPongs.Store(0)
		return
	}

	if frame.Channel != "" {
		t.mu.Lock()
		list := append([]*Subscription(nil), t.subs[frame.Channel]...)
		t.mu.Unlock()
		if len(list) > 0 {
			for _, sub := range list {
				sub.fn(frame)
			}
			return
		}
	}

	t.mu.Lock()
	callbacks := make([]func(Frame), 0, len(t.listeners))
	for _, fn := range t.listeners {
		callbacks = append(callbacks, fn)
	}
	t.mu.Unlock()
	if len(callbacks) == 0 {
		t.cfg.Logger.Debug("unhandled frame",
			logging.Field("type", frame.Type),
			logging.Field("channel", frame.Channel),
		)
		return
	}
	for _, fn := range callbacks {
		fn(frame)
	}
}

func (t *Transport) announce(ctx context.Context, sock Socket, msgType, channel string) {
	frame := Frame{Type: msgType, Channel: channel, Timestamp: time.Now().UnixMilli()}
	if err := t.writeFrame(ctx, sock, frame); err != nil {
		t.cfg.Logger.Warn("channel announce failed",
			logging.Field("type", msgType),
			logging.Field("channel", channel),
			logging.Field("error", err),
		)
	}
}

func (t *Transport) writeFrame(ctx context.Context, sock Socket, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := sock.Write(writeCtx, payload); err != nil {
		return err
	}
	t.cfg.Metrics.FrameSent()
	return nil
}

func (t *Transport) enqueue(frame Frame) {
	t.mu.Lock()
	t.queue = append(t.queue, frame)
	depth := len(t.queue)
	t.mu.Unlock()
	t.cfg.Metrics.SetQueueDepth(depth)
}

func (t *Transport) stopReconnectTimerLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}
