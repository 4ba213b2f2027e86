package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nuclio/errors"
	"github.com/rs/zerolog"

	"github.com/fauxgate/fauxgate/internal/event"
	"github.com/fauxgate/fauxgate/internal/metrics"
	"github.com/fauxgate/fauxgate/internal/router"
)

// ConnState tracks a connection through its lifecycle. CLOSED is
// terminal.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Conn abstracts the transport side of a WebSocket connection.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// connection is the manager's record of one live socket.
type connection struct {
	id         string
	conn       Conn
	state      ConnState
	info       event.SocketInfo
	lastActive time.Time
}

// ConnManager owns every live WebSocket connection and dispatches
// lifecycle and message events through the gateway. A periodic sweep
// evicts connections idle past the configured threshold; eviction runs
// the same disconnect path as an explicit close.
type ConnManager struct {
	gw      *Gateway
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu    sync.Mutex
	conns map[string]*connection

	sweepInterval time.Duration
	idleThreshold time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewConnManager builds a manager sweeping at the gateway config's ping
// interval and evicting after its idle threshold.
func NewConnManager(gw *Gateway, m *metrics.Metrics, log zerolog.Logger) *ConnManager {
	return &ConnManager{
		gw:            gw,
		metrics:       m,
		log:           log.With().Str("component", "connections").Logger(),
		conns:         make(map[string]*connection),
		sweepInterval: gw.cfg.Server.PingInterval.Std(),
		idleThreshold: gw.cfg.IdleThreshold(),
		done:          make(chan struct{}),
	}
}

// Start launches the liveness sweep. Stop terminates it.
func (cm *ConnManager) Start() {
	go cm.sweepLoop()
}

func (cm *ConnManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.done) })
}

// Connect registers a new connection and runs the $connect handler if
// one is bound. A handler failure or non-2xx status rejects the
// connection: the record goes straight to CLOSED and is never OPEN.
func (cm *ConnManager) Connect(ctx context.Context, conn Conn, sourceIP, userAgent string) (string, error) {
	rec := &connection{
		id:    uuid.NewString(),
		conn:  conn,
		state: StateConnecting,
		info: event.SocketInfo{
			SourceIP:    sourceIP,
			UserAgent:   userAgent,
			ConnectedAt: time.Now(),
		},
		lastActive: time.Now(),
	}
	rec.info.ConnectionID = rec.id

	cm.mu.Lock()
	cm.conns[rec.id] = rec
	cm.mu.Unlock()

	if binding := cm.gw.table.MatchRoute(router.RouteConnect); binding != nil {
		raw, err := cm.dispatch(ctx, binding, event.SocketConnect, router.RouteConnect, rec.info, "")
		if err == nil {
			var status int
			status, err = event.SocketResponseStatus(raw)
			if err == nil && (status < 200 || status > 299) {
				err = errors.Errorf("connect handler returned status %d", status)
			}
		}
		if err != nil {
			cm.remove(rec.id)
			cm.log.Warn().Err(err).Str("connection_id", rec.id).Msg("connection rejected")
			return "", err
		}
	}

	cm.mu.Lock()
	rec.state = StateOpen
	cm.mu.Unlock()
	cm.metrics.ActiveConnections.Inc()
	cm.log.Debug().Str("connection_id", rec.id).Msg("connection open")
	return rec.id, nil
}

// Message refreshes the connection's activity timestamp, resolves the
// route key from the payload's action field (falling back to $default)
// and dispatches to the bound function. Any payload the handler returns
// is sent back on the same connection.
func (cm *ConnManager) Message(ctx context.Context, connID string, data []byte) error {
	cm.mu.Lock()
	rec, ok := cm.conns[connID]
	open := ok && rec.state == StateOpen
	if open {
		rec.lastActive = time.Now()
	}
	cm.mu.Unlock()
	if !open {
		return errors.Errorf("connection %s is not open", connID)
	}

	routeKey := resolveRouteKey(data)
	binding := cm.gw.table.MatchRoute(routeKey)
	if binding == nil && routeKey != router.RouteDefault {
		routeKey = router.RouteDefault
		binding = cm.gw.table.MatchRoute(routeKey)
	}
	if binding == nil {
		return errors.Errorf("no route bound for key %q", routeKey)
	}

	raw, err := cm.dispatch(ctx, binding, event.SocketMessage, routeKey, rec.info, string(data))
	if err != nil {
		cm.log.Error().Err(err).Str("connection_id", connID).Str("route", routeKey).
			Msg("message dispatch failed")
		return err
	}

	if reply := replyPayload(raw); reply != nil {
		if err := rec.conn.Send(reply); err != nil {
			return errors.Wrap(err, "send reply")
		}
	}
	return nil
}

// Touch refreshes the activity timestamp, for transport-level liveness
// signals such as pong frames.
func (cm *ConnManager) Touch(connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if rec, ok := cm.conns[connID]; ok && rec.state == StateOpen {
		rec.lastActive = time.Now()
	}
}

// Disconnect runs the $disconnect handler (best-effort: this side of
// the socket is already gone, so failures are logged and not retried),
// closes the transport and removes the record.
func (cm *ConnManager) Disconnect(ctx context.Context, connID string) {
	cm.mu.Lock()
	rec, ok := cm.conns[connID]
	if ok && rec.state == StateClosed {
		ok = false
	}
	if ok {
		rec.state = StateClosed
	}
	cm.mu.Unlock()
	if !ok {
		return
	}

	if binding := cm.gw.table.MatchRoute(router.RouteDisconnect); binding != nil {
		if _, err := cm.dispatch(ctx, binding, event.SocketDisconnect, router.RouteDisconnect, rec.info, ""); err != nil {
			cm.log.Warn().Err(err).Str("connection_id", connID).Msg("disconnect handler failed")
		}
	}

	rec.conn.Close()
	cm.remove(connID)
	cm.metrics.ActiveConnections.Dec()
	cm.log.Debug().Str("connection_id", connID).Msg("connection closed")
}

// Count returns the number of tracked connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.conns)
}

// State reports the connection's current state, or CLOSED for unknown
// identifiers.
func (cm *ConnManager) State(connID string) ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if rec, ok := cm.conns[connID]; ok {
		return rec.state
	}
	return StateClosed
}

func (cm *ConnManager) dispatch(ctx context.Context, binding *router.Binding, eventType, routeKey string, info event.SocketInfo, body string) (any, error) {
	handler, err := cm.gw.registry.Resolve(ctx, binding.Function)
	if err != nil {
		return nil, err
	}
	fn := cm.gw.cfg.Functions.Get(binding.Function)
	env := event.BuildSocketEvent(eventType, routeKey, cm.gw.cfg.Provider.Stage, info, body)
	return cm.gw.invoke(ctx, handler, env, binding.Function, env.RequestContext.RequestID, fn)
}

func (cm *ConnManager) remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// sweepLoop periodically evicts connections idle past the threshold.
func (cm *ConnManager) sweepLoop() {
	ticker := time.NewTicker(cm.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cm.sweep()
		case <-cm.done:
			return
		}
	}
}

func (cm *ConnManager) sweep() {
	now := time.Now()
	var idle []string
	cm.mu.Lock()
	for id, rec := range cm.conns {
		if rec.state == StateOpen && now.Sub(rec.lastActive) > cm.idleThreshold {
			idle = append(idle, id)
		}
	}
	cm.mu.Unlock()

	for _, id := range idle {
		cm.log.Info().Str("connection_id", id).Msg("evicting idle connection")
		cm.metrics.ConnectionEvictions.Inc()
		cm.Disconnect(context.Background(), id)
	}
}

// resolveRouteKey reads the action field of a JSON message payload.
// Non-JSON payloads and payloads without an action route to $default.
func resolveRouteKey(data []byte) string {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Action == "" {
		return router.RouteDefault
	}
	return probe.Action
}

// replyPayload extracts the body a handler wants echoed back, if any.
// Objects with a string body field send the body; a bare string result
// is sent as-is.
func replyPayload(raw any) []byte {
	switch v := raw.(type) {
	case string:
		if v != "" {
			return []byte(v)
		}
	case map[string]any:
		if body, ok := v["body"].(string); ok && body != "" {
			return []byte(body)
		}
	}
	return nil
}
