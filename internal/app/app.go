// Package app wires the dabba client together: session bootstrap, the
// realtime transport lifecycle, and notification fan-out to the embedding
// surface.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dabba-client/internal/config"
	"dabba-client/internal/logging"
	"dabba-client/internal/notify"
	"dabba-client/internal/orders"
	"dabba-client/internal/realtime"
	"dabba-client/internal/runctx"
	"dabba-client/internal/session"
)

// Runtime status vocabulary reported through Callbacks.OnStatusChange.
const (
	StatusStarting      = "starting"
	StatusAuthenticated = "authenticated"
	StatusConnecting    = "connecting"
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusSignedOut     = "signed_out"
	StatusStopped       = "stopped"
)

const statusPollInterval = 2 * time.Second

// Authenticator is the login surface of the API layer.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (session.TokenPair, json.RawMessage, error)
}

type ClientApp struct {
	opts       config.Options
	sessions   *session.Manager
	auth       Authenticator
	transport  *realtime.Transport
	dispatcher *notify.Dispatcher
	orders     *orders.Service
	logger     *logging.Logger
	hooks      Callbacks
	status     runtimeStatusState
}

type Callbacks struct {
	OnStatusChange func(string)
	OnNotification func(notify.Notification)
}

func New(opts config.Options, sessions *session.Manager, auth Authenticator, transport *realtime.Transport, dispatcher *notify.Dispatcher, ordersvc *orders.Service, logger *logging.Logger, hooks Callbacks) *ClientApp {
	if sessions == nil {
		panic("app.New: session manager must not be nil")
	}
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	return &ClientApp{
		opts:       opts,
		sessions:   sessions,
		auth:       auth,
		transport:  transport,
		dispatcher: dispatcher,
		orders:     ordersvc,
		logger:     logger,
		hooks:      hooks,
	}
}

func (a *ClientApp) Run() error {
	return a.RunContext(context.Background())
}

// RunContext brings the client up and blocks until ctx is canceled. A
// canceled context is a normal shutdown, not an error.
func (a *ClientApp) RunContext(ctx context.Context) error {
	a.logger.Info("dabba client starting",
		logging.Field("base_url", a.opts.BaseURL),
		logging.Field("auto_connect", a.opts.AutoConnect),
	)
	a.setRuntimeStatus(StatusStarting)

	if err := a.ensureSession(ctx); err != nil {
		return err
	}
	a.setRuntimeStatus(StatusAuthenticated)

	unsubscribeExpiry := a.sessions.OnSessionExpired(func() {
		a.logger.Warn("session expired, credentials cleared")
		a.setRuntimeStatus(StatusSignedOut)
		if a.transport != nil {
			a.transport.Disconnect()
		}
	})
	defer unsubscribeExpiry()

	if a.dispatcher != nil {
		notifications := make(chan notify.Notification, 8)
		unsubscribeNotify := a.dispatcher.Subscribe(func(n notify.Notification) {
			select {
			case notifications <- n:
			default:
				a.logger.Warn("notification consumer too slow, dropping",
					logging.Field("title", n.Title),
				)
			}
		})
		defer unsubscribeNotify()
		go a.forwardNotifications(ctx, notifications)

		if a.transport != nil {
			removeListener := a.transport.OnMessage(a.dispatcher.HandleFrame)
			defer removeListener()
		}
	}

	if a.orders != nil {
		go a.bootstrapOrders(ctx)
	}

	if a.transport != nil {
		if a.opts.AutoConnect {
			if err := a.transport.Connect(ctx); err != nil {
				// Startup continues offline; the next explicit connect retries.
				a.logger.Warn("initial realtime connect failed",
					logging.Field("error", err),
				)
			}
		}
		go a.watchTransportStatus(ctx)
	}

	<-ctx.Done()
	if a.transport != nil {
		a.transport.Disconnect()
	}
	a.setRuntimeStatus(StatusStopped)
	a.logger.Info("dabba client stopped")
	return nil
}

// Connect starts the realtime transport on demand, e.g. from a UI action.
func (a *ClientApp) Connect(ctx context.Context) error {
	if a.transport == nil {
		return errors.New("realtime transport not configured")
	}
	return a.transport.Connect(ctx)
}

// SignOut clears the session and drops the realtime connection.
func (a *ClientApp) SignOut(ctx context.Context) {
	a.sessions.ClearTokens(ctx)
	if a.transport != nil {
		a.transport.Disconnect()
	}
	a.setRuntimeStatus(StatusSignedOut)
	a.logger.Info("signed out")
}

// ensureSession restores the cached session or performs a credential login.
func (a *ClientApp) ensureSession(ctx context.Context) error {
	token, err := a.sessions.AccessToken(ctx)
	if err != nil {
		a.logger.Debug("cached session unusable", logging.Field("error", err))
	}
	if token != "" {
		a.logger.Info("restored cached session")
		return nil
	}

	email := strings.TrimSpace(a.opts.Email)
	if a.auth == nil || email == "" || a.opts.Password == "" {
		return errors.New("no cached session and no login credentials configured")
	}
	pair, profile, err := a.auth.Login(ctx, email, a.opts.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := a.sessions.StoreTokens(ctx, pair.Access, pair.Refresh); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if len(profile) > 0 {
		if err := a.sessions.StoreProfile(ctx, profile); err != nil {
			a.logger.Warn("failed to cache profile", logging.Field("error", err))
		}
	}
	a.logger.Info("signed in", logging.Field("email", email))
	return nil
}

// bootstrapOrders loads the order snapshot and starts live tracking for every
// order still in flight. Tracking stops with the run context.
func (a *ClientApp) bootstrapOrders(ctx context.Context) {
	list, err := a.orders.List(ctx)
	if err != nil {
		a.logger.Warn("failed to load order snapshot", logging.Field("error", err))
		return
	}
	var stops []func()
	for _, order := range list {
		if order.Status == "delivered" || order.Status == "cancelled" {
			continue
		}
		orderID := order.ID
		stops = append(stops, a.orders.Track(orderID, func(u orders.Update) {
			if u.Status != "" && a.dispatcher != nil {
				a.dispatcher.OrderUpdate(orderID, u.Status, u.ETA)
			}
		}))
	}
	a.logger.Info("order snapshot loaded",
		logging.Field("orders", len(list)),
		logging.Field("tracking", len(stops)),
	)
	if len(stops) == 0 {
		return
	}
	go func() {
		<-ctx.Done()
		for _, stop := range stops {
			stop()
		}
	}()
}

func (a *ClientApp) forwardNotifications(ctx context.Context, source <-chan notify.Notification) {
	for {
		n, ok := runctx.RecvOrDone(ctx, "notification forwarder", a.logger, source)
		if !ok {
			return
		}
		if a.hooks.OnNotification != nil {
			a.hooks.OnNotification(n)
		}
	}
}

// watchTransportStatus mirrors transport state transitions onto the runtime
// status surface.
func (a *ClientApp) watchTransportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch a.transport.Status().State {
			case realtime.StateConnected:
				a.setRuntimeStatus(StatusConnected)
			case realtime.StateConnecting:
				a.setRuntimeStatus(StatusConnecting)
			case realtime.StateDisconnected:
				a.setRuntimeStatus(StatusDisconnected)
			}
		}
	}
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (s *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == trimmed {
		return s.current, trimmed, false
	}
	previous := s.current
	s.current = trimmed
	return previous, trimmed, true
}

func (a *ClientApp) setRuntimeStatus(status string) {
	previous, next, changed := a.status.update(status)
	if !changed {
		return
	}
	a.logger.Debug("runtime status transition",
		logging.Field("from", previous),
		logging.Field("to", next),
	)
	if a.hooks.OnStatusChange != nil {
		a.hooks.OnStatusChange(next)
	}
}
