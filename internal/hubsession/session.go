// Package hubsession maintains the single authenticated, subscribed
// session to the smart-home hub: connect/auth/subscribe state
// machine, endpoint failover with flap-damping, a receive watchdog, and
// one-shot discovery requests on entering Active.
package hubsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor/internal/hubframe"
)

// State is one node of the session state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// RegistryResults carries the three one-shot discovery responses fired
// on entering Active.
type RegistryResults struct {
	DeviceRegistry json.RawMessage
	EntityRegistry json.RawMessage
	ConfigEntries  json.RawMessage
}

// Handlers are the callbacks the session invokes. All are optional.
type Handlers struct {
	// OnEvent receives forwarded "event" frames in receipt order.
	OnEvent func(hubframe.RawEvent)
	// OnRegistry receives the three discovery results once, per Active
	// transition (i.e. once per fresh connect and again after every
	// reconnect, since devices/entities may have changed).
	OnRegistry func(RegistryResults)
	// OnStateChange is notified on every state transition.
	OnStateChange func(State)
}

// Config configures endpoint ordering, credential, and subscriptions.
type Config struct {
	Endpoints      []string // primary first, then ordered fallbacks
	Token          string
	EventTypes     []string
	ReconnectDelay time.Duration // fixed gap between endpoint attempts (default 5s)
	WatchdogWindow time.Duration // no-receive window before forcing reconnect (default 60s)
	FlapWindow     time.Duration // window for counting endpoint failures (default 60s)
	FlapThreshold  int           // failures within FlapWindow to demote (default 2)
	FlapCooldown   time.Duration // demotion duration (default 5m)
}

func (c *Config) setDefaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.WatchdogWindow == 0 {
		c.WatchdogWindow = 60 * time.Second
	}
	if c.FlapWindow == 0 {
		c.FlapWindow = 60 * time.Second
	}
	if c.FlapThreshold == 0 {
		c.FlapThreshold = 2
	}
	if c.FlapCooldown == 0 {
		c.FlapCooldown = 5 * time.Minute
	}
	if len(c.EventTypes) == 0 {
		c.EventTypes = []string{"state_changed"}
	}
}

type endpointHealth struct {
	failures  []time.Time
	demotedAt time.Time
}

// Session owns the websocket connection lifecycle.
type Session struct {
	cfg Config
	log *zap.Logger
	h   Handlers

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	nextID        int64
	pending       map[int64]chan hubframe.Result
	endpointState map[string]*endpointHealth
	breakers      map[string]*gobreaker.CircuitBreaker
	lastReceive   atomic.Int64 // unix nano

	subscribed []string // event types currently (to be) subscribed
}

// New creates a Session. Call Run to start the state machine.
func New(cfg Config, log *zap.Logger, h Handlers) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:           cfg,
		log:           log.Named("hubsession"),
		h:             h,
		pending:       make(map[int64]chan hubframe.Result),
		endpointState: make(map[string]*endpointHealth),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, ep := range cfg.Endpoints {
		s.breakers[ep] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep,
			MaxRequests: 1,
			Timeout:     cfg.FlapCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.FlapThreshold)
			},
		})
	}
	return s
}

// State returns the current state machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.h.OnStateChange != nil {
		s.h.OnStateChange(st)
	}
}

// Run drives the session until ctx is cancelled, reconnecting forever
// across transient failures. It is meant to be registered with a
// supervisor, which itself restarts Run if it ever returns non-nil for a
// reason other than context cancellation.
func (s *Session) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		endpoint, ok := s.pickEndpoint()
		if !ok {
			s.log.Warn("all endpoints demoted, waiting for cooldown")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.FlapCooldown / 10):
			}
			continue
		}

		err := s.connectAndServe(ctx, endpoint)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Warn("session ended, reconnecting", zap.String("endpoint", endpoint), zap.Error(err))
			s.recordFailure(endpoint)
		}

		s.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// pickEndpoint returns the highest-priority endpoint not currently
// demoted by flap-damping and whose circuit breaker is not open.
func (s *Session) pickEndpoint() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, ep := range s.cfg.Endpoints {
		if br, ok := s.breakers[ep]; ok && br.State() == gobreaker.StateOpen {
			continue
		}
		st, ok := s.endpointState[ep]
		if !ok || st.demotedAt.IsZero() || now.Sub(st.demotedAt) >= s.cfg.FlapCooldown {
			return ep, true
		}
	}
	return "", false
}

func (s *Session) recordFailure(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.endpointState[endpoint]
	if !ok {
		st = &endpointHealth{}
		s.endpointState[endpoint] = st
	}
	now := time.Now()
	st.failures = append(st.failures, now)
	// prune failures outside the flap window
	cutoff := now.Add(-s.cfg.FlapWindow)
	kept := st.failures[:0]
	for _, t := range st.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.failures = kept
	if len(st.failures) >= s.cfg.FlapThreshold {
		st.demotedAt = now
		s.log.Warn("endpoint demoted by flap damping", zap.String("endpoint", endpoint))
	}
}

func (s *Session) connectAndServe(ctx context.Context, endpoint string) error {
	conn, err := s.establish(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateActive)
	s.lastReceive.Store(time.Now().UnixNano())
	go s.discover(ctx, conn)

	return s.serve(ctx, conn)
}

// establish runs dial/auth/subscribe under the endpoint's circuit
// breaker: a run of consecutive establishment failures opens the
// breaker, and pickEndpoint stops offering the endpoint until the
// cooldown elapses — on top of the time-windowed flap-damping
// recordFailure applies. A session that reaches the subscribed state
// counts as a breaker success even if it later drops mid-serve.
func (s *Session) establish(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	v, err := s.breakers[endpoint].Execute(func() (any, error) {
		s.setState(StateConnecting)

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}

		if err := s.authenticate(ctx, conn, endpoint); err != nil {
			conn.Close()
			return nil, err
		}
		if err := s.subscribeAll(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*websocket.Conn), nil
}

func (s *Session) authenticate(ctx context.Context, conn *websocket.Conn, endpoint string) error {
	s.setState(StateAuthenticating)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	frame, _, err := hubframe.Decode(raw)
	if err != nil {
		return err
	}
	if _, ok := frame.(hubframe.AuthRequired); !ok {
		return fmt.Errorf("expected auth_required, got %T", frame)
	}

	authMsg, err := hubframe.Encode(hubframe.Auth{AccessToken: s.cfg.Token})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, authMsg); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_, raw, err = conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	frame, _, err = hubframe.Decode(raw)
	if err != nil {
		return err
	}
	switch frame.(type) {
	case hubframe.AuthOK:
		return nil
	case hubframe.AuthInvalid:
		s.recordFailure(endpoint)
		return fmt.Errorf("endpoint %s: %w", endpoint, authErr{})
	default:
		return fmt.Errorf("unexpected auth response %T", frame)
	}
}

type authErr struct{}

func (authErr) Error() string { return "auth_invalid: credential rejected" }

func (s *Session) subscribeAll(ctx context.Context, conn *websocket.Conn) error {
	s.setState(StateSubscribing)

	for _, et := range s.cfg.EventTypes {
		id := s.newID()
		msg, err := hubframe.Encode(hubframe.SubscribeEvents{ID: id, EventType: et})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("send subscribe_events(%s): %w", et, err)
		}
		res, err := s.readResult(ctx, conn, id)
		if err != nil {
			return fmt.Errorf("subscribe_events(%s): %w", et, err)
		}
		if !res.Success {
			return fmt.Errorf("subscribe_events(%s) failed: %v", et, res.Error)
		}
	}

	s.mu.Lock()
	s.subscribed = append([]string(nil), s.cfg.EventTypes...)
	s.mu.Unlock()
	return nil
}

// readResult reads frames inline until the result correlated to id
// arrives. The serve loop is not running yet during the subscribe phase,
// so the reads happen here; event frames that race in once an earlier
// subscription is live are forwarded rather than dropped.
func (s *Session) readResult(ctx context.Context, conn *websocket.Conn, id int64) (hubframe.Result, error) {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		if ctx.Err() != nil {
			return hubframe.Result{}, ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return hubframe.Result{}, err
		}
		frame, gotID, err := hubframe.Decode(raw)
		if err != nil {
			continue
		}
		switch f := frame.(type) {
		case hubframe.Result:
			if gotID == id {
				return f, nil
			}
			s.deliverResult(gotID, f)
		case hubframe.Event:
			if s.h.OnEvent != nil {
				s.h.OnEvent(f.Event)
			}
		}
	}
}

func (s *Session) discover(ctx context.Context, conn *websocket.Conn) {
	var results RegistryResults
	reqs := []struct {
		typ hubframe.Type
		dst *json.RawMessage
	}{
		{hubframe.TypeDeviceRegistry, &results.DeviceRegistry},
		{hubframe.TypeEntityRegistry, &results.EntityRegistry},
		{hubframe.TypeConfigEntries, &results.ConfigEntries},
	}

	for _, r := range reqs {
		id := s.newID()
		msg, err := hubframe.Encode(hubframe.RegistryRequest{ID: id, Type: r.typ})
		if err != nil {
			s.log.Error("encode discovery request", zap.Error(err))
			continue
		}
		resultCh := s.awaitResult(id)
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.Warn("send discovery request failed", zap.String("type", string(r.typ)), zap.Error(err))
			continue
		}
		select {
		case res := <-resultCh:
			if res.Success {
				*r.dst = res.ResultPayload
			}
		case <-time.After(30 * time.Second):
			s.log.Warn("discovery request timed out", zap.String("type", string(r.typ)))
		case <-ctx.Done():
			return
		}
	}

	if s.h.OnRegistry != nil {
		s.h.OnRegistry(results)
	}
}

// serve reads frames until the connection breaks, dispatching events and
// answering pings, while a watchdog goroutine forces a disconnect if no
// frame has been received within WatchdogWindow.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	go s.watchdog(watchdogCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.lastReceive.Store(time.Now().UnixNano())

		frame, id, err := hubframe.Decode(raw)
		if err != nil {
			s.log.Debug("dropping unrecognized frame", zap.Error(err))
			continue
		}

		switch f := frame.(type) {
		case hubframe.Event:
			if s.h.OnEvent != nil {
				s.h.OnEvent(f.Event)
			}
		case hubframe.Result:
			s.deliverResult(id, f)
		case hubframe.Ping:
			pong, _ := hubframe.Encode(hubframe.Pong{ID: f.ID})
			_ = conn.WriteMessage(websocket.TextMessage, pong)
		case hubframe.Pong:
			// nothing to do; receipt already refreshed the watchdog
		}
	}
}

func (s *Session) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.WatchdogWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastReceive.Load())
			if time.Since(last) > s.cfg.WatchdogWindow {
				s.log.Warn("watchdog: no frames received, forcing reconnect")
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) newID() int64 {
	return atomic.AddInt64(&s.nextID, 1)
}

func (s *Session) awaitResult(id int64) <-chan hubframe.Result {
	ch := make(chan hubframe.Result, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) deliverResult(id int64, res hubframe.Result) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- res
	}
}

// RequestID generates a session-unique correlation ID outside the normal
// subscribe/discover flow (e.g. for ad-hoc REST-adjacent calls that still
// want a uuid-stamped trace id).
func (s *Session) RequestID() string {
	return uuid.NewString()
}
