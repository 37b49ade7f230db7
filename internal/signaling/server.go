package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/sharelink/internal/peers"
	"github.com/sheerbytes/sharelink/internal/session"
	"github.com/sheerbytes/sharelink/pkg/protocol"
	"golang.org/x/time/rate"
)

const (
	defaultMaxMessageBytes = 64 * 1024
	pingInterval           = 30 * time.Second
	controlWriteTimeout    = 10 * time.Second
)

// ServerOptions configures a signaling Server. Zero values disable the
// corresponding limit.
type ServerOptions struct {
	// Policy bounds live sessions, participants per session and session lifetime.
	Policy          session.Policy
	MaxMessageBytes int
	MaxConnections  int
	IdleTimeout     time.Duration

	ConnectRate  rate.Limit // websocket upgrades per second per IP
	ConnectBurst int
	MessageRate  rate.Limit // inbound messages per second per connection
	MessageBurst int
	CreateRate   rate.Limit // create-id requests per second per IP
	CreateBurst  int

	TurnServers []string
	TurnSecret  string
	TurnTTL     time.Duration

	// StaticDir, when set, is served at /.
	StaticDir string
	Logger    *slog.Logger
}

// Server is the rendezvous service: it maps identifiers to live shares and
// relays channel negotiation messages between peers.
type Server struct {
	opts     ServerOptions
	registry *session.Registry
	hub      *peers.Hub
	expiry   *expiryScheduler
	connects *ipLimiter
	creates  *ipLimiter
	conns    *connLimiter
	turn     *turnIssuer
	upgrader websocket.Upgrader
	logger   *slog.Logger

	closeOnce sync.Once
}

// conn is the per-connection state seen by the dispatcher.
type conn struct {
	id     string
	peerID string
	ip     string
}

// NewServer creates a signaling server with an empty registry.
func NewServer(opts ServerOptions, registryOpts ...session.Option) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	s := &Server{
		opts:     opts,
		registry: session.NewRegistry(opts.Policy, registryOpts...),
		hub:      peers.NewHub(),
		expiry:   newExpiryScheduler(),
		connects: newIPLimiter(opts.ConnectRate, opts.ConnectBurst),
		creates:  newIPLimiter(opts.CreateRate, opts.CreateBurst),
		conns:    newConnLimiter(opts.MaxConnections),
		turn:     newTurnIssuer(opts.TurnServers, opts.TurnSecret, opts.TurnTTL),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	if len(opts.TurnServers) > 0 && opts.TurnSecret == "" {
		logger.Warn("TURN servers configured but no static auth secret set")
	}
	if s.turn != nil {
		logger.Info("TURN credential issuer enabled", "servers", len(opts.TurnServers), "ttl", s.turn.ttl)
	}
	return s
}

// Handler returns the HTTP routes: /ws, /health and the optional static directory.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.opts.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))
	}
	return mux
}

// SessionCount returns the number of live shares.
func (s *Server) SessionCount() int {
	return s.registry.Count()
}

// Close ends every share, notifies its participants and drops all connections.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.expiry.stopAll()
		for _, td := range s.registry.Close() {
			s.notifyEnded(td, false)
		}
		s.hub.CloseAll()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "sessions": s.registry.Count()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		sendHTTPError(w, http.StatusBadRequest, "missing peer_id")
		return
	}
	if peerID == protocol.ServerPeerID {
		sendHTTPError(w, http.StatusBadRequest, "reserved peer_id")
		return
	}
	ip := clientIP(r)
	if !s.connects.Allow(ip) {
		sendHTTPError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !s.conns.Acquire() {
		sendHTTPError(w, http.StatusTooManyRequests, "connection limit reached")
		return
	}
	defer s.conns.Release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(int64(s.opts.MaxMessageBytes))

	var writeMu sync.Mutex
	idle := s.opts.IdleTimeout
	if idle > 0 {
		ws.SetReadDeadline(time.Now().Add(idle))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(idle))
			return nil
		})
		ws.SetPingHandler(func(appData string) error {
			ws.SetReadDeadline(time.Now().Add(idle))
			writeMu.Lock()
			err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteTimeout))
			writeMu.Unlock()
			return err
		})
	}

	c := conn{id: protocol.NewMsgID(), peerID: peerID, ip: ip}
	send := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
		return ws.WriteJSON(env)
	}
	removePeer := s.hub.Add(peers.Peer{PeerID: peerID, ConnID: c.id}, send, func() { _ = ws.Close() })
	defer removePeer()
	defer s.teardown(c)

	if idle > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout))
					writeMu.Unlock()
				}
			}
		}()
	}

	s.logger.Info("peer connected", "peer_id", peerID, "conn_id", c.id)
	s.issueTurn(c)

	msgLimiter := rate.NewLimiter(s.opts.MessageRate, max(s.opts.MessageBurst, 1))
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("websocket idle timeout", "peer_id", peerID)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", "error", err, "peer_id", peerID)
			}
			break
		}
		if idle > 0 {
			ws.SetReadDeadline(time.Now().Add(idle))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if s.opts.MessageRate > 0 && !msgLimiter.Allow() {
			s.logger.Warn("websocket message rate limit exceeded", "peer_id", peerID)
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid JSON envelope", "error", err, "peer_id", peerID)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			s.logger.Warn("invalid envelope", "error", err, "peer_id", peerID)
			continue
		}
		// The announced address is authoritative.
		env.From = peerID
		s.dispatch(c, env)
	}
	s.logger.Info("peer disconnected", "peer_id", peerID, "conn_id", c.id)
}

func (s *Server) dispatch(c conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCreateID:
		s.handleCreate(c, env)
	case protocol.TypeJoinID:
		s.handleJoin(c, env)
	case protocol.TypeSignal:
		s.handleSignal(c, env)
	default:
		s.replyError(c, env.MsgID, protocol.CodeBadRequest, "unknown message type: "+env.Type)
	}
}

func (s *Server) handleCreate(c conn, env protocol.Envelope) {
	var req protocol.CreateID
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&req); err != nil {
			s.replyError(c, env.MsgID, protocol.CodeBadRequest, "invalid create-id payload")
			return
		}
	}
	if req.OwnerAddress == "" {
		req.OwnerAddress = c.peerID
	}
	if !s.creates.Allow(c.ip) {
		s.replyError(c, env.MsgID, protocol.CodeRateLimited, "rate limit exceeded")
		return
	}
	sess, err := s.registry.Create(req.OwnerAddress, c.id)
	switch {
	case errors.Is(err, session.ErrIdentifierCollision):
		s.reply(c, protocol.TypeIDExists, env.MsgID, protocol.ShareRef{})
		return
	case errors.Is(err, session.ErrLimitReached):
		s.replyError(c, env.MsgID, protocol.CodeLimitReached, "session limit reached")
		return
	case errors.Is(err, session.ErrConnInUse):
		s.replyError(c, env.MsgID, protocol.CodeBadRequest, "connection already bound to a share")
		return
	case err != nil:
		s.replyError(c, env.MsgID, protocol.CodeInternal, err.Error())
		return
	}

	if !sess.ExpiresAt.IsZero() {
		id := sess.ID
		s.expiry.schedule(id, time.Until(sess.ExpiresAt), func() { s.expire(id) })
	}
	s.logger.Info("share created", "id", sess.ID, "owner", sess.OwnerAddress)
	s.reply(c, protocol.TypeIDCreated, env.MsgID, protocol.ShareRef{ID: sess.ID})
}

func (s *Server) handleJoin(c conn, env protocol.Envelope) {
	var req protocol.ShareRef
	if err := env.DecodePayload(&req); err != nil || req.ID == "" {
		s.replyError(c, env.MsgID, protocol.CodeBadRequest, "join-id requires an id")
		return
	}

	sess, err := s.registry.Resolve(req.ID, c.id)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.reply(c, protocol.TypeIDNotFound, env.MsgID, protocol.ShareRef{ID: req.ID})
		return
	case errors.Is(err, session.ErrSessionFull):
		s.reply(c, protocol.TypeIDFull, env.MsgID, protocol.ShareRef{ID: req.ID})
		return
	case errors.Is(err, session.ErrConnInUse):
		s.replyError(c, env.MsgID, protocol.CodeBadRequest, "connection already bound to a share")
		return
	case err != nil:
		s.replyError(c, env.MsgID, protocol.CodeInternal, err.Error())
		return
	}

	s.reply(c, protocol.TypeSenderInfo, env.MsgID, protocol.SenderInfo{ID: sess.ID, OwnerAddress: sess.OwnerAddress})
	s.notify(sess.OwnerConn, protocol.TypePeerJoined, protocol.PeerEvent{ID: sess.ID, PeerID: c.peerID})
	s.logger.Info("peer joined share", "id", sess.ID, "peer_id", c.peerID)
}

func (s *Server) handleSignal(c conn, env protocol.Envelope) {
	if env.To == "" {
		s.replyError(c, env.MsgID, protocol.CodeBadRequest, "signal requires a target")
		return
	}
	if !s.hub.SendToPeer(env.To, env) {
		s.replyError(c, env.MsgID, protocol.CodePeerNotFound, "target peer not found: "+env.To)
		s.logger.Warn("peer not found for targeted send", "from", c.peerID, "to", env.To)
	}
}

// teardown applies a disconnect to the registry and notifies the other side.
func (s *Server) teardown(c conn) {
	td, ok := s.registry.Teardown(c.id)
	if !ok {
		return
	}
	if td.WasOwner {
		s.expiry.cancel(td.ID)
		s.notifyEnded(td, false)
		s.logger.Info("share ended", "id", td.ID, "participants", len(td.Participants))
		return
	}
	if td.OwnerConn != "" {
		s.notify(td.OwnerConn, protocol.TypePeerLeft, protocol.PeerEvent{ID: td.ID, PeerID: c.peerID})
	}
}

func (s *Server) expire(id string) {
	td, ok := s.registry.Delete(id)
	if !ok {
		return
	}
	s.notifyEnded(td, true)
	s.logger.Info("share expired", "id", id)
}

func (s *Server) notifyEnded(td session.Teardown, includeOwner bool) {
	env := protocol.MustEnvelope(protocol.TypeShareEnded, protocol.ShareRef{ID: td.ID})
	env.From = protocol.ServerPeerID
	s.hub.Broadcast(td.Participants, env)
	if includeOwner && td.OwnerConn != "" {
		s.hub.SendTo(td.OwnerConn, env)
	}
}

func (s *Server) issueTurn(c conn) {
	if s.turn == nil {
		return
	}
	creds, err := s.turn.Issue(c.peerID)
	if err != nil {
		s.logger.Error("failed to issue turn credentials", "error", err, "peer_id", c.peerID)
		return
	}
	env := protocol.MustEnvelope(protocol.TypeTurnCredentials, creds)
	env.From = protocol.ServerPeerID
	env.To = c.peerID
	s.hub.SendTo(c.id, env)
}

func (s *Server) notify(connID, msgType string, payload any) {
	env := protocol.MustEnvelope(msgType, payload)
	env.From = protocol.ServerPeerID
	s.hub.SendTo(connID, env)
}

// reply answers a request; the reply carries the request's msg_id.
func (s *Server) reply(c conn, msgType, msgID string, payload any) {
	env, err := protocol.NewEnvelope(msgType, msgID, payload)
	if err != nil {
		s.logger.Error("failed to build reply", "type", msgType, "error", err)
		return
	}
	env.From = protocol.ServerPeerID
	env.To = c.peerID
	s.hub.SendTo(c.id, env)
}

func (s *Server) replyError(c conn, msgID, code, message string) {
	s.reply(c, protocol.TypeError, msgID, protocol.Error{Code: code, Message: message})
}

func sendHTTPError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
