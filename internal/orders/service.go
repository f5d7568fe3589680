// Package orders is the order and meal-plan surface of the dabba client:
// REST reads and writes through the authenticated API client plus live
// per-order tracking over the realtime transport.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"dabba-client/internal/config"
	"dabba-client/internal/logging"
	"dabba-client/internal/realtime"
)

type Item struct {
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PricePaise int    `json:"price_paise"`
}

type Order struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Items       []Item    `json:"items"`
	TotalPaise  int       `json:"total_paise"`
	PlacedAt    time.Time `json:"placed_at"`
	ETA         string    `json:"eta,omitempty"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
}

// Subscription is a recurring tiffin plan, not a realtime channel handle.
type Subscription struct {
	ID             string    `json:"id"`
	Plan           string    `json:"plan"`
	Status         string    `json:"status"`
	NextDeliveryAt time.Time `json:"next_delivery_at"`
}

type CreateRequest struct {
	Items        []Item `json:"items"`
	DeliveryDate string `json:"delivery_date"`
	Address      string `json:"address,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Update is one live tracking event for an order. Either Status or Location
// is set depending on the frame that produced it.
type Update struct {
	OrderID  string
	Status   string
	ETA      string
	Location *Location
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Checkout walks the user through a hosted payment page and returns once
// payment completed or was abandoned.
type Checkout interface {
	Open(ctx context.Context, checkoutURL string) error
}

// Poster is the slice of the API client the service needs.
type Poster interface {
	DoJSON(ctx context.Context, method, url string, body, out any) error
}

// Realtime is the slice of the transport the service needs for tracking.
type Realtime interface {
	Subscribe(channel string, fn func(realtime.Frame)) *realtime.Subscription
	Unsubscribe(sub *realtime.Subscription)
}

type Service struct {
	api       Poster
	endpoints config.APIEndpoints
	transport Realtime
	logger    *logging.Logger
}

func NewService(apiClient Poster, endpoints config.APIEndpoints, transport Realtime, logger *logging.Logger) *Service {
	if apiClient == nil {
		panic("orders.NewService: api client must not be nil")
	}
	return &Service{api: apiClient, endpoints: endpoints, transport: transport, logger: logger}
}

func (s *Service) List(ctx context.Context) ([]Order, error) {
	var resp struct {
		Orders []Order `json:"orders"`
	}
	if err := s.api.DoJSON(ctx, http.MethodGet, s.endpoints.OrdersURL, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := s.api.DoJSON(ctx, http.MethodGet, s.orderURL(orderID), nil, &order)
	return order, err
}

// Create places an order. Retry safety against double submission comes from
// the API client's idempotency key and in-flight dedup.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Order, error) {
	var order Order
	err := s.api.DoJSON(ctx, http.MethodPost, s.endpoints.OrdersURL, req, &order)
	return order, err
}

// Purchase places an order and, when the backend requires payment, walks the
// hosted checkout and re-fetches the order to verify its final status. With
// no checkout handler the order is returned awaiting payment.
func (s *Service) Purchase(ctx context.Context, req CreateRequest, checkout Checkout) (Order, error) {
	order, err := s.Create(ctx, req)
	if err != nil {
		return Order{}, err
	}
	if order.CheckoutURL == "" {
		return order, nil
	}
	if checkout == nil {
		s.logger.Warn("no checkout handler configured, order awaiting payment",
			logging.Field("order_id", order.ID),
		)
		return order, nil
	}
	if err := checkout.Open(ctx, order.CheckoutURL); err != nil {
		return order, fmt.Errorf("checkout failed: %w", err)
	}
	return s.Get(ctx, order.ID)
}

func (s *Service) Cancel(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := s.api.DoJSON(ctx, http.MethodPost, s.orderURL(orderID)+"/cancel", nil, &order)
	return order, err
}

func (s *Service) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := s.api.DoJSON(ctx, http.MethodGet, s.endpoints.SubscriptionsURL, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Track joins the order's realtime room and delivers live updates to fn.
// The returned stop func leaves the room. Tracking works while disconnected;
// updates resume after the next successful connect.
func (s *Service) Track(orderID string, fn func(Update)) func() {
	if fn == nil {
		panic("orders.Service.Track: callback must not be nil")
	}
	if s.transport == nil {
		s.logger.Warn("order tracking unavailable without realtime transport",
			logging.Field("order_id", orderID),
		)
		return func() {}
	}
	sub := s.transport.Subscribe(realtime.OrderChannel(orderID), func(frame realtime.Frame) {
		update, ok := s.decodeUpdate(orderID, frame)
		if ok {
			fn(update)
		}
	})
	return func() { s.transport.Unsubscribe(sub) }
}

func (s *Service) decodeUpdate(orderID string, frame realtime.Frame) (Update, bool) {
	switch frame.Type {
	case realtime.TypeOrderUpdate:
		var payload struct {
			Status string `json:"status"`
			ETA    string `json:"eta"`
		}
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Status == "" {
			s.logger.Warn("ignoring malformed order update",
				logging.Field("order_id", orderID),
				logging.Field("error", err),
			)
			return Update{}, false
		}
		return Update{OrderID: orderID, Status: payload.Status, ETA: payload.ETA}, true

	case realtime.TypeDeliveryLocation:
		var loc Location
		if err := json.Unmarshal(frame.Data, &loc); err != nil {
			s.logger.Warn("ignoring malformed delivery location",
				logging.Field("order_id", orderID),
				logging.Field("error", err),
			)
			return Update{}, false
		}
		return Update{OrderID: orderID, Location: &loc}, true
	}
	return Update{}, false
}

func (s *Service) orderURL(orderID string) string {
	return s.endpoints.OrdersURL + "/" + url.PathEscape(orderID)
}
