// Package notify turns server-push frames into user-facing notifications and
// fans them out to in-app subscribers and an optional platform pusher.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"dabba-client/internal/logging"
	"dabba-client/internal/realtime"
)

type Notification struct {
	Title   string
	Body    string
	OrderID string
	At      time.Time
}

// Pusher hands a notification to the platform notification surface. A nil
// pusher leaves in-app delivery working and logs the skipped push.
type Pusher interface {
	Push(n Notification) error
}

type Dispatcher struct {
	logger *logging.Logger
	pusher Pusher

	mu          sync.Mutex
	nextID      int
	subscribers map[int]func(Notification)
}

func NewDispatcher(logger *logging.Logger, pusher Pusher) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		pusher:      pusher,
		subscribers: map[int]func(Notification){},
	}
}

// Subscribe registers an in-app consumer and returns an unsubscribe func.
func (d *Dispatcher) Subscribe(fn func(Notification)) func() {
	if fn == nil {
		panic("notify.Dispatcher.Subscribe: callback must not be nil")
	}
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subscribers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
}

// Dispatch delivers n to every subscriber and the platform pusher. Push
// failures degrade to a log line so in-app consumers always see the event.
func (d *Dispatcher) Dispatch(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	d.logger.Debug("dispatching notification",
		logging.Field("title", n.Title),
		logging.Field("order_id", n.OrderID),
	)

	if d.pusher == nil {
		d.logger.Debug("no platform pusher registered, in-app delivery only")
	} else if err := d.pusher.Push(n); err != nil {
		d.logger.Warn("platform push failed",
			logging.Field("title", n.Title),
			logging.Field("error", err),
		)
	}

	d.mu.Lock()
	callbacks := make([]func(Notification), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		callbacks = append(callbacks, fn)
	}
	d.mu.Unlock()
	for _, fn := range callbacks {
		fn(n)
	}
}

// HandleFrame adapts realtime frames into notifications. Frame types without
// a user-facing rendering are ignored. Suitable for Transport.OnMessage and
// per-order subscriptions alike.
func (d *Dispatcher) HandleFrame(frame realtime.Frame) {
	switch frame.Type {
	case realtime.TypeNotification:
		var payload struct {
			Title   string `json:"title"`
			Body    string `json:"body"`
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Title == "" {
			d.logger.Warn("ignoring malformed notification frame",
				logging.Field("error", err),
				logging.Field("payload", logging.Truncate(string(frame.Data))),
			)
			return
		}
		d.Dispatch(Notification{Title: payload.Title, Body: payload.Body, OrderID: payload.OrderID})

	case realtime.TypeOrderUpdate:
		var payload struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
			ETA     string `json:"eta"`
		}
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Status == "" {
			d.logger.Warn("ignoring malformed order update frame",
				logging.Field("error", err),
				logging.Field("payload", logging.Truncate(string(frame.Data))),
			)
			return
		}
		d.OrderUpdate(payload.OrderID, payload.Status, payload.ETA)
	}
}

// OrderUpdate renders a tracking update into a user-facing notification.
func (d *Dispatcher) OrderUpdate(orderID, status, eta string) {
	body := statusText(status)
	if eta != "" {
		body += " ETA " + eta + "."
	}
	d.Dispatch(Notification{Title: "Order update", Body: body, OrderID: orderID})
}

func statusText(status string) string {
	switch status {
	case "placed":
		return "Your order has been placed."
	case "preparing":
		return "Your tiffin is being prepared."
	case "out_for_delivery":
		return "Your tiffin is out for delivery."
	case "delivered":
		return "Your tiffin has been delivered."
	case "cancelled":
		return "Your order was cancelled."
	default:
		return "Order status: " + status + "."
	}
}
