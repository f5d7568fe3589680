package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"dabba-client/internal/config"
	"dabba-client/internal/logging"
	"dabba-client/internal/realtime"
)

type recordedCall struct {
	method string
	url    string
	body   any
}

type fakePoster struct {
	calls     []recordedCall
	responses map[string]string // method+" "+url -> JSON body
	err       error
}

func (p *fakePoster) DoJSON(_ context.Context, method, url string, body, out any) error {
	p.calls = append(p.calls, recordedCall{method: method, url: url, body: body})
	if p.err != nil {
		return p.err
	}
	if raw, ok := p.responses[method+" "+url]; ok && out != nil {
		return json.Unmarshal([]byte(raw), out)
	}
	return nil
}

type fakeRealtime struct {
	channels      map[string]func(realtime.Frame)
	subscribed    []string
	unsubscribed  int
	subsByPointer map[*realtime.Subscription]string
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{
		channels:      map[string]func(realtime.Frame){},
		subsByPointer: map[*realtime.Subscription]string{},
	}
}

func (f *fakeRealtime) Subscribe(channel string, fn func(realtime.Frame)) *realtime.Subscription {
	f.channels[channel] = fn
	f.subscribed = append(f.subscribed, channel)
	sub := &realtime.Subscription{}
	f.subsByPointer[sub] = channel
	return sub
}

func (f *fakeRealtime) Unsubscribe(sub *realtime.Subscription) {
	if channel, ok := f.subsByPointer[sub]; ok {
		delete(f.channels, channel)
		delete(f.subsByPointer, sub)
		f.unsubscribed++
	}
}

func testEndpoints(t *testing.T) config.APIEndpoints {
	t.Helper()
	endpoints, err := config.BuildEndpoints("https://api.dabba.test")
	if err != nil {
		t.Fatalf("BuildEndpoints() error = %v", err)
	}
	return endpoints
}

func TestList_DecodesOrderCollection(t *testing.T) {
	endpoints := testEndpoints(t)
	poster := &fakePoster{responses: map[string]string{
		"GET " + endpoints.OrdersURL: `{"orders":[{"id":"17","status":"preparing","total_paise":15000}]}`,
	}}
	s := NewService(poster, endpoints, nil, logging.New(false))

	got, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "17" || got[0].TotalPaise != 15000 {
		t.Fatalf("List() = %#v", got)
	}
}

func TestGet_EscapesOrderIDInPath(t *testing.T) {
	endpoints := testEndpoints(t)
	poster := &fakePoster{}
	s := NewService(poster, endpoints, nil, logging.New(false))

	if _, err := s.Get(context.Background(), "a/b"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	want := endpoints.OrdersURL + "/a%2Fb"
	if poster.calls[0].url != want {
		t.Fatalf("url = %q, want %q", poster.calls[0].url, want)
	}
	if poster.calls[0].method != http.MethodGet {
		t.Fatalf("method = %q, want GET", poster.calls[0].method)
	}
}

func TestCreate_PostsRequestBody(t *testing.T) {
	endpoints := testEndpoints(t)
	poster := &fakePoster{responses: map[string]string{
		"POST " + endpoints.OrdersURL: `{"id":"42","status":"placed"}`,
	}}
	s := NewService(poster, endpoints, nil, logging.New(false))

	order, err := s.Create(context.Background(), CreateRequest{
		Items:        []Item{{Name: "veg thali", Quantity: 2, PricePaise: 9000}},
		DeliveryDate: "2026-09-02",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if order.ID != "42" || order.Status != "placed" {
		t.Fatalf("Create() = %#v", order)
	}
	req, ok := poster.calls[0].body.(CreateRequest)
	if !ok || len(req.Items) != 1 || req.Items[0].Name != "veg thali" {
		t.Fatalf("posted body = %#v", poster.calls[0].body)
	}
}

type fakeCheckout struct {
	opened []string
	err    error
}

func (c *fakeCheckout) Open(_ context.Context, checkoutURL string) error {
	c.opened = append(c.opened, checkoutURL)
	return c.err
}

func TestPurchase_WalksCheckoutAndVerifies(t *testing.T) {
	endpoints := testEndpoints(t)
	poster := &fakePoster{responses: map[string]string{
		"POST " + endpoints.OrdersURL:        `{"id":"42","status":"awaiting_payment","checkout_url":"https://pay.dabba.test/42"}`,
		"GET " + endpoints.OrdersURL + "/42": `{"id":"42","status":"placed"}`,
	}}
	checkout := &fakeCheckout{}
	s := NewService(poster, endpoints, nil, logging.New(false))

	order, err := s.Purchase(context.Background(), CreateRequest{DeliveryDate: "2026-09-02"}, checkout)
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	if len(checkout.opened) != 1 || checkout.opened[0] != "https://pay.dabba.test/42" {
		t.Fatalf("opened = %v", checkout.opened)
	}
	if order.Status != "placed" {
		t.Fatalf("verified status = %q, want placed", order.Status)
	}
}

func TestPurchase_NoCheckoutURLSkipsHandler(t *testing.T) {
	endpoints := testEndpoints(t)
	poster := &fakePoster{responses: map[string]string{
		"POST " + endpoints.OrdersURL: `{"id":"42","status":"placed"}`,
	}}
	checkout := &fakeCheckout{}
	s := NewService(poster, endpoints, nil, logging.New(false))

	order, err := s.Purchase(context.Background(), CreateRequest{}, checkout)
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	if len(checkout.opened) != 0 {
		t.Fatalf("checkout opened for prepaid order: %v", checkout.opened)
	}
	if len(poster.calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no verify fetch without checkout)", len(poster.calls))
	}
	if order.Status != "placed" {
		t.Fatalf("status = %q", order.Status)
	}
}

func TestPurchase_NilHandlerLeavesOrderAwaitingPayment(t *testing.T) {
	endpoints := testEndpoints(t)
	poster := &fakePoster{responses: map[string]string{
		"POST " + endpoints.OrdersURL: `{"id":"42","status":"awaiting_payment","checkout_url":"https://pay.dabba.test/42"}`,
	}}
	s := NewService(poster, endpoints, nil, logging.New(false))

	order, err := s.Purchase(context.Background(), CreateRequest{}, nil)
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	if order.Status != "awaiting_payment" {
		t.Fatalf("status = %q, want awaiting_payment", order.Status)
	}
}

func TestCancel_PostsToCancelAction(t *testing.T) {
	endpoints := testEndpoints(t)
	poster := &fakePoster{}
	s := NewService(poster, endpoints, nil, logging.New(false))

	if _, err := s.Cancel(context.Background(), "42"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	want := endpoints.OrdersURL + "/42/cancel"
	if poster.calls[0].method != http.MethodPost || poster.calls[0].url != want {
		t.Fatalf("call = %#v, want POST %s", poster.calls[0], want)
	}
}

func TestSubscriptions_DecodesPlanCollection(t *testing.T) {
	endpoints := testEndpoints(t)
	poster := &fakePoster{responses: map[string]string{
		"GET " + endpoints.SubscriptionsURL: `{"subscriptions":[{"id":"s-1","plan":"weekday_lunch","status":"active"}]}`,
	}}
	s := NewService(poster, endpoints, nil, logging.New(false))

	got, err := s.Subscriptions(context.Background())
	if err != nil {
		t.Fatalf("Subscriptions() error = %v", err)
	}
	if len(got) != 1 || got[0].Plan != "weekday_lunch" {
		t.Fatalf("Subscriptions() = %#v", got)
	}
}

func TestTrack_JoinsRoomAndDecodesUpdates(t *testing.T) {
	rt := newFakeRealtime()
	s := NewService(&fakePoster{}, testEndpoints(t), rt, logging.New(false))

	var got []Update
	stop := s.Track("42", func(u Update) { got = append(got, u) })

	if len(rt.subscribed) != 1 || rt.subscribed[0] != "order_42" {
		t.Fatalf("subscribed channels = %v, want [order_42]", rt.subscribed)
	}

	deliver := rt.channels["order_42"]
	deliver(realtime.Frame{
		Type: realtime.TypeOrderUpdate,
		Data: json.RawMessage(`{"status":"out_for_delivery","eta":"12:45"}`),
	})
	deliver(realtime.Frame{
		Type: realtime.TypeDeliveryLocation,
		Data: json.RawMessage(`{"lat":18.52,"lng":73.85}`),
	})
	deliver(realtime.Frame{
		Type: realtime.TypeOrderUpdate,
		Data: json.RawMessage(`{"no_status":true}`),
	})

	if len(got) != 2 {
		t.Fatalf("updates = %d, want 2 (malformed frame dropped)", len(got))
	}
	if got[0].Status != "out_for_delivery" || got[0].ETA != "12:45" || got[0].OrderID != "42" {
		t.Fatalf("update[0] = %#v", got[0])
	}
	if got[1].Location == nil || got[1].Location.Lat != 18.52 {
		t.Fatalf("update[1] = %#v", got[1])
	}

	stop()
	if rt.unsubscribed != 1 {
		t.Fatalf("unsubscribed = %d, want 1", rt.unsubscribed)
	}
}

func TestTrack_WithoutTransportIsNoOp(t *testing.T) {
	s := NewService(&fakePoster{}, testEndpoints(t), nil, logging.New(false))
	stop := s.Track("42", func(Update) {})
	stop()
}
