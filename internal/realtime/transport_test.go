package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"dabba-client/internal/logging"
)

type closeCall struct {
	code   websocket.StatusCode
	reason string
}

type fakeSocket struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error

	inbound chan []byte
	readErr chan error
	closed  chan closeCall
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 2),
		closed:  make(chan closeCall, 2),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.readErr:
		return nil, err
	case data := <-s.inbound:
		return data, nil
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close(code websocket.StatusCode, reason string) error {
	select {
	case s.closed <- closeCall{code: code, reason: reason}:
	default:
	}
	select {
	case s.readErr <- websocket.CloseError{Code: code, Reason: reason}:
	default:
	}
	return nil
}

// fail unblocks the read loop with err, as if the peer dropped the link.
func (s *fakeSocket) fail(err error) {
	s.readErr <- err
}

func (s *fakeSocket) setWriteErr(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *fakeSocket) sentFrames(t *testing.T) []Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]Frame, 0, len(s.writes))
	for _, raw := range s.writes {
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("non-JSON frame on the wire: %v", err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func newTestTransport(dial DialFunc) *Transport {
	return NewTransport(Config{
		Dial:              dial,
		Logger:            logging.New(false),
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          40 * time.Millisecond,
		MaxAttempts:       3,
		HeartbeatInterval: time.Hour,
		WriteTimeout:      time.Second,
	})
}

func singleSocketDial(sock *fakeSocket) DialFunc {
	return func(context.Context) (Socket, error) {
		return sock, nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnect_AnnouncesChannelsThenFlushesQueueInOrder(t *testing.T) {
	sock := newFakeSocket()
	tr := newTestTransport(singleSocketDial(sock))

	tr.Subscribe(OrderChannel("7"), func(Frame) {})
	tr.Subscribe(OrderChannel("3"), func(Frame) {})
	if err := tr.SendMessage(TypeDeliveryLocation, map[string]string{"seq": "first"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if err := tr.SendMessage(TypeDeliveryLocation, map[string]string{"seq": "second"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := tr.Status().QueuedMessages; got != 2 {
		t.Fatalf("QueuedMessages = %d, want 2", got)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Disconnect()

	frames := sock.sentFrames(t)
	if len(frames) != 4 {
		t.Fatalf("wrote %d frames, want 4: %#v", len(frames), frames)
	}
	if frames[0].Type != TypeJoinOrderRoom || frames[0].Channel != "order_3" {
		t.Fatalf("frames[0] = %#v, want join order_3", frames[0])
	}
	if frames[1].Type != TypeJoinOrderRoom || frames[1].Channel != "order_7" {
		t.Fatalf("frames[1] = %#v, want join order_7", frames[1])
	}
	for i, want := range []string{"first", "second"} {
		var payload map[string]string
		if err := json.Unmarshal(frames[2+i].Data, &payload); err != nil {
			t.Fatalf("flushed frame %d data: %v", i, err)
		}
		if payload["seq"] != want {
			t.Fatalf("flush order broken: frame %d seq = %q, want %q", i, payload["seq"], want)
		}
	}
	if got := tr.Status().QueuedMessages; got != 0 {
		t.Fatalf("QueuedMessages after flush = %d, want 0", got)
	}
}

func TestConnect_IsIdempotentWhileConnected(t *testing.T) {
	var dials atomic.Int32
	tr := newTestTransport(func(context.Context) (Socket, error) {
		dials.Add(1)
		return newFakeSocket(), nil
	})
	defer tr.Disconnect()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	if got := tr.Status().State; got != StateConnected {
		t.Fatalf("state = %q, want %q", got, StateConnected)
	}
}

func TestConnect_DialFailureSurfacesWithoutRetry(t *testing.T) {
	var dials atomic.Int32
	dialErr := errors.New("connection refused")
	tr := newTestTransport(func(context.Context) (Socket, error) {
		dials.Add(1)
		return nil, dialErr
	})

	if err := tr.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("Connect() error = %v, want %v", err, dialErr)
	}
	time.Sleep(30 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1 (explicit connect must not auto-retry)", got)
	}
	status := tr.Status()
	if status.State != StateDisconnected || status.ReconnectAttempts != 0 {
		t.Fatalf("status = %#v, want disconnected with zero attempts", status)
	}
}

func TestDisconnect_CleanCloseIsIdempotentAndFinal(t *testing.T) {
	sock := newFakeSocket()
	var dials atomic.Int32
	tr := newTestTransport(func(context.Context) (Socket, error) {
		dials.Add(1)
		return sock, nil
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr.Disconnect()
	tr.Disconnect()

	select {
	case call := <-sock.closed:
		if call.code != websocket.StatusNormalClosure {
			t.Fatalf("close code = %d, want %d", call.code, websocket.StatusNormalClosure)
		}
	default:
		t.Fatal("socket was never closed")
	}
	select {
	case <-sock.closed:
		t.Fatal("socket closed twice")
	default:
	}

	time.Sleep(30 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1 (clean close must not reconnect)", got)
	}
	if got := tr.Status().State; got != StateDisconnected {
		t.Fatalf("state = %q, want %q", got, StateDisconnected)
	}
}

func TestServerNormalClosure_DoesNotReconnect(t *testing.T) {
	sock := newFakeSocket()
	var dials atomic.Int32
	tr := newTestTransport(func(context.Context) (Socket, error) {
		dials.Add(1)
		return sock, nil
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sock.fail(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "bye"})

	waitFor(t, "disconnected state", func() bool {
		return tr.Status().State == StateDisconnected
	})
	time.Sleep(30 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1 (code 1000 must not trigger reconnect)", got)
	}
}

func TestAbnormalClose_ReconnectsAndReannouncesChannels(t *testing.T) {
	sockets := []*fakeSocket{newFakeSocket(), newFakeSocket()}
	var dials atomic.Int32
	tr := newTestTransport(func(context.Context) (Socket, error) {
		n := dials.Add(1)
		if int(n) > len(sockets) {
			return nil, errors.New("no more sockets")
		}
		return sockets[n-1], nil
	})
	defer tr.Disconnect()

	tr.Subscribe(OrderChannel("42"), func(Frame) {})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	sockets[0].fail(websocket.CloseError{Code: websocket.StatusInternalError, Reason: "restart"})

	waitFor(t, "reconnect dial", func() bool { return dials.Load() == 2 })
	waitFor(t, "reconnected state", func() bool {
		return tr.Status().State == StateConnected
	})
	if got := tr.Status().ReconnectAttempts; got != 0 {
		t.Fatalf("ReconnectAttempts after success = %d, want 0", got)
	}

	waitFor(t, "channel re-announce", func() bool {
		return len(sockets[1].sentFrames(t)) > 0
	})
	frames := sockets[1].sentFrames(t)
	if frames[0].Type != TypeJoinOrderRoom || frames[0].Channel != "order_42" {
		t.Fatalf("frames[0] = %#v, want re-announced join order_42", frames[0])
	}
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	first := newFakeSocket()
	var dials atomic.Int32
	tr := newTestTransport(func(context.Context) (Socket, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, errors.New("still down")
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first.fail(websocket.CloseError{Code: websocket.StatusAbnormalClosure})

	// One initial dial plus MaxAttempts failed redials, then nothing.
	waitFor(t, "attempts exhausted", func() bool { return dials.Load() == 4 })
	time.Sleep(60 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Fatalf("dials = %d, want 4 after giving up", got)
	}
	status := tr.Status()
	if status.State != StateDisconnected {
		t.Fatalf("state = %q, want %q", status.State, StateDisconnected)
	}
	if status.ReconnectAttempts != 3 {
		t.Fatalf("ReconnectAttempts = %d, want 3", status.ReconnectAttempts)
	}

	// An explicit Connect starts over with a fresh attempt budget.
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() expected dial error")
	}
	if got := tr.Status().ReconnectAttempts; got != 0 {
		t.Fatalf("ReconnectAttempts after explicit Connect = %d, want 0", got)
	}
}

func TestBackoffDelays_DoubleUntilCap(t *testing.T) {
	tr := newTestTransport(singleSocketDial(newFakeSocket()))

	want := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}
	for i, expected := range want {
		if got := tr.retry.NextBackOff(); got != expected {
			t.Fatalf("delay[%d] = %v, want %v", i, got, expected)
		}
	}
	tr.retry.Reset()
	if got := tr.retry.NextBackOff(); got != want[0] {
		t.Fatalf("delay after reset = %v, want %v", got, want[0])
	}
}

func TestDispatch_FanOutInRegistrationOrder(t *testing.T) {
	sock := newFakeSocket()
	tr := newTestTransport(singleSocketDial(sock))
	defer tr.Disconnect()

	var mu sync.Mutex
	var order []string
	var strayFrames atomic.Int32
	tr.Subscribe(OrderChannel("9"), func(Frame) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	tr.Subscribe(OrderChannel("9"), func(Frame) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})
	tr.Subscribe(OrderChannel("10"), func(Frame) {
		strayFrames.Add(1)
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sock.inbound <- []byte(`{"type":"order_update","channel":"order_9","data":{"status":"out_for_delivery"}}`)

	waitFor(t, "both subscribers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	if order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order = %v, want [first second]", order)
	}
	mu.Unlock()
	if got := strayFrames.Load(); got != 0 {
		t.Fatalf("other channel received %d frames, want 0", got)
	}
}

func TestUnsubscribe_LastSubscriberAnnouncesLeave(t *testing.T) {
	sock := newFakeSocket()
	tr := newTestTransport(singleSocketDial(sock))
	defer tr.Disconnect()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	subA := tr.Subscribe(OrderChannel("5"), func(Frame) {})
	subB := tr.Subscribe(OrderChannel("5"), func(Frame) {})

	joins := 0
	for _, frame := range sock.sentFrames(t) {
		if frame.Type == TypeJoinOrderRoom {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("join announcements = %d, want 1 (only the first subscriber)", joins)
	}

	tr.Unsubscribe(subA)
	for _, frame := range sock.sentFrames(t) {
		if frame.Type == TypeLeaveOrderRoom {
			t.Fatal("leave announced while a subscriber remains")
		}
	}

	tr.Unsubscribe(subB)
	tr.Unsubscribe(subB) // double unsubscribe is a no-op
	leaves := 0
	for _, frame := range sock.sentFrames(t) {
		if frame.Type == TypeLeaveOrderRoom && frame.Channel == "order_5" {
			leaves++
		}
	}
	if leaves != 1 {
		t.Fatalf("leave announcements = %d, want 1", leaves)
	}
}

func TestDispatch_MalformedFrameDroppedConnectionSurvives(t *testing.T) {
	sock := newFakeSocket()
	tr := newTestTransport(singleSocketDial(sock))
	defer tr.Disconnect()

	got := make(chan Frame, 1)
	tr.Subscribe(OrderChannel("1"), func(f Frame) { got <- f })
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	sock.inbound <- []byte(`{"type":`)
	sock.inbound <- []byte(`{"no_type":true}`)
	sock.inbound <- []byte(`{"type":"order_update","channel":"order_1"}`)

	select {
	case frame := <-got:
		if frame.Type != TypeOrderUpdate {
			t.Fatalf("frame type = %q, want %q", frame.Type, TypeOrderUpdate)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame never delivered after malformed ones")
	}
	if state := tr.Status().State; state != StateConnected {
		t.Fatalf("state = %q, want %q (bad frames must not kill the link)", state, StateConnected)
	}
}

func TestOnMessage_ReceivesUnclaimedFramesUntilUnsubscribed(t *testing.T) {
	sock := newFakeSocket()
	tr := newTestTransport(singleSocketDial(sock))
	defer tr.Disconnect()

	got := make(chan Frame, 2)
	unsubscribe := tr.OnMessage(func(f Frame) { got <- f })
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	sock.inbound <- []byte(`{"type":"notification","data":{"title":"Lunch on the way"}}`)
	select {
	case frame := <-got:
		if frame.Type != TypeNotification {
			t.Fatalf("frame type = %q, want %q", frame.Type, TypeNotification)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("generic listener never invoked")
	}

	unsubscribe()
	sock.inbound <- []byte(`{"type":"notification","data":{"title":"ignored"}}`)
	time.Sleep(20 * time.Millisecond)
	select {
	case frame := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %#v", frame)
	default:
	}
}

func TestSendMessage_WriteFailureFallsBackToQueue(t *testing.T) {
	sock := newFakeSocket()
	tr := newTestTransport(singleSocketDial(sock))
	defer tr.Disconnect()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sock.setWriteErr(errors.New("broken pipe"))

	if err := tr.SendMessage(TypeDeliveryLocation, map[string]int{"lat": 19}); err != nil {
		t.Fatalf("SendMessage() error = %v, want nil (failures queue, not fail)", err)
	}
	if got := tr.Status().QueuedMessages; got != 1 {
		t.Fatalf("QueuedMessages = %d, want 1", got)
	}
}

func TestHeartbeat_PingsAndClosesAfterMissedPongs(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(Config{
		Dial:              singleSocketDial(sock),
		Logger:            logging.New(false),
		BaseDelay:         time.Hour,
		MaxDelay:          time.Hour,
		MaxAttempts:       1,
		HeartbeatInterval: 5 * time.Millisecond,
		WriteTimeout:      time.Second,
	})
	defer tr.Disconnect()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "first ping", func() bool {
		for _, frame := range sock.sentFrames(t) {
			if frame.Type == TypePing {
				return true
			}
		}
		return false
	})

	// No pong ever arrives, so the heartbeat loop must give up on the socket.
	select {
	case call := <-sock.closed:
		if call.code != websocket.StatusGoingAway {
			t.Fatalf("close code = %d, want %d", call.code, websocket.StatusGoingAway)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("socket never closed after missed pongs")
	}
}

func TestPong_ResetsMissedPongCounter(t *testing.T) {
	sock := newFakeSocket()
	tr := newTestTransport(singleSocketDial(sock))
	defer tr.Disconnect()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr.missedPongs.Store(maxMissedPongs)

	sock.inbound <- []byte(`{"type":"pong"}`)
	waitFor(t, "pong reset", func() bool { return tr.missedPongs.Load() == 0 })
}
