// Package realtime contains quadchat's websocket gateway: handshake
// authentication, per-user mailboxes, conversation rooms, and the socket
// event handlers that delegate all mutations to the chat service.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "quadchat/contracts/chat/v1"
	"quadchat/internal/auth"
	"quadchat/internal/chat"
	"quadchat/internal/ids"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "quadchat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsDefaultHeartbeatEvery   = 25 * time.Second
	wsDefaultHeartbeatTimeout = 5 * time.Second
	wsMaxPingFailures         = 3

	wsDefaultRateEvents = 120
	wsDefaultRateWindow = 10 * time.Second
)

// GatewayConfig carries the gateway's tunables. Zero values fall back to the
// defaults above.
type GatewayConfig struct {
	// AllowedOrigins is the cross-origin allowlist (scheme+host or bare host).
	AllowedOrigins []string

	// DevInsecure disables origin verification entirely (dev only).
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// Gateway is the websocket entrypoint for quadchat realtime.
//
// It authenticates the handshake, assigns each connection to the user's
// private mailbox, and exposes EmitToUser to the service layer. The service
// layer never holds a connection object.
type Gateway struct {
	log    *slog.Logger
	svc    *chat.Service
	tokens auth.TokenManager
	users  chat.UserDirectory

	registry *Registry
	rooms    *RoomHub

	devInsecure    bool
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway. It is created once at startup and handed
// to the chat service as its Emitter.
func NewGateway(log *slog.Logger, cfg GatewayConfig, svc *chat.Service, tokens auth.TokenManager, users chat.UserDirectory) (*Gateway, error) {
	if svc == nil || tokens == nil || users == nil {
		return nil, errors.New("realtime: nil service, token manager, or user directory")
	}

	g := &Gateway{
		log:      log,
		svc:      svc,
		tokens:   tokens,
		users:    users,
		registry: NewRegistry(log),
		rooms:    NewRoomHub(log),

		devInsecure:    cfg.DevInsecure,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),

		writeTimeout:    nonZero(cfg.WriteTimeout, wsDefaultWriteTimeout),
		readIdleTimeout: nonZero(cfg.ReadIdleTimeout, wsDefaultReadIdle),
		sendQueueSize:   cfg.SendQueueSize,

		heartbeatEvery:   nonZero(cfg.HeartbeatInterval, wsDefaultHeartbeatEvery),
		heartbeatTimeout: nonZero(cfg.HeartbeatTimeout, wsDefaultHeartbeatTimeout),

		rateEvents: cfg.RateEvents,
		rateWindow: cfg.RateWindow,
	}
	if g.sendQueueSize <= 0 {
		g.sendQueueSize = wsDefaultSendQueueSize
	}
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}
	if g.rateEvents <= 0 {
		g.rateEvents = wsDefaultRateEvents
	}
	if g.rateWindow <= 0 {
		g.rateWindow = wsDefaultRateWindow
	}
	return g, nil
}

// EmitToUser pushes an event to every open connection of userID.
// No-op (logged at debug) when the user has no sessions; never blocks.
func (g *Gateway) EmitToUser(userID, event string, payload any) {
	g.registry.EmitToUser(userID, event, payload)
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades, and runs the realtime loop for one connection.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	// Authentication happens before the upgrade: a missing, stale, or orphaned
	// token rejects the connection before it is considered established.
	claims, err := g.authenticate(r)
	if err != nil {
		wsAuthRejects.Inc()
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID := ids.MustULID(now)
	client := NewClient(sessionID, claims.UserID, claims.UserName, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.registry.Add(client)
	wsConnects.Inc()
	wsSessions.Inc()

	joined := make(map[string]*Room)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for convID := range joined {
				g.rooms.Leave(convID, sessionID)
				delete(joined, convID)
			}

			g.registry.Remove(client)
			wsSessions.Dec()
			wsDisconnects.Inc()

			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	if env, err := NewEnvelope(v1.TypeConnected, v1.ConnectedPayload{UserID: claims.UserID}); err == nil {
		client.TryEnqueue(env)
	}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendErrorCode(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendErrorCode(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendErrorCode(client, "bad_envelope", err.Error())
			continue readLoop
		}

		g.dispatch(ctx, client, joined, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// authenticate resolves the handshake bearer token to an existing user.
func (g *Gateway) authenticate(r *http.Request) (auth.AccessClaims, error) {
	token := ""
	if raw := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(raw, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return auth.AccessClaims{}, errors.New("missing token")
	}

	claims, err := g.tokens.Verify(token, time.Now().UTC())
	if err != nil {
		return auth.AccessClaims{}, fmt.Errorf("verify token: %w", err)
	}

	// The token may outlive the account; never partially admit.
	user, err := g.users.GetUser(r.Context(), claims.UserID)
	if err != nil {
		return auth.AccessClaims{}, fmt.Errorf("resolve user: %w", err)
	}
	if claims.UserName == "" {
		claims.UserName = user.Name
	}
	return claims, nil
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func nonZero(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
