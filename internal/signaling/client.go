package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/sharelink/internal/peer"
	"github.com/sheerbytes/sharelink/internal/session"
	"github.com/sheerbytes/sharelink/internal/wsclient"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

// ErrDisconnected is returned for requests outstanding when the signaling
// connection drops.
var ErrDisconnected = errors.New("signaling connection lost")

// ServerError is an error reply from the signaling server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "signaling error: " + e.Code
	}
	return fmt.Sprintf("signaling error (%s): %s", e.Code, e.Message)
}

var (
	_ peer.Registrar = (*Client)(nil)
	_ peer.Resolver  = (*Client)(nil)
)

// Client is a signaling connection announcing one channel address.
// Handlers run on the read goroutine and must not block.
type Client struct {
	conn   *wsclient.Conn
	peerID string
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	pending      map[string]chan protocol.Envelope
	ended        map[string]chan struct{}
	turnServers  []string
	err          error
	onSignal     func(from string, sig protocol.Signal)
	onPeerJoined func(protocol.PeerEvent)
	onPeerLeft   func(protocol.PeerEvent)
	onShareEnded func(id string)
}

// Dial connects to the signaling server at serverURL (http, https, ws or wss)
// announcing peerID as this client's channel address.
func Dial(ctx context.Context, serverURL, peerID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL, err := wsclient.URL(serverURL, peerID)
	if err != nil {
		return nil, err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to signaling server: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		peerID:  peerID,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan protocol.Envelope),
		ended:   make(map[string]chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

// PeerID returns the address this client announced.
func (c *Client) PeerID() string {
	return c.peerID
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnSignal sets the handler for relayed negotiation messages.
func (c *Client) OnSignal(fn func(from string, sig protocol.Signal)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// OnPeerJoined sets the handler for participants joining an owned share.
func (c *Client) OnPeerJoined(fn func(protocol.PeerEvent)) {
	c.mu.Lock()
	c.onPeerJoined = fn
	c.mu.Unlock()
}

// OnPeerLeft sets the handler for participants leaving an owned share.
func (c *Client) OnPeerLeft(fn func(protocol.PeerEvent)) {
	c.mu.Lock()
	c.onPeerLeft = fn
	c.mu.Unlock()
}

// OnShareEnded sets the handler for share-ended notifications.
func (c *Client) OnShareEnded(fn func(id string)) {
	c.mu.Lock()
	c.onShareEnded = fn
	c.mu.Unlock()
}

// TurnServers returns the TURN URLs issued by the server, if any.
func (c *Client) TurnServers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.turnServers...)
}

// CreateSession registers a share owned by this client.
func (c *Client) CreateSession(ctx context.Context, ownerAddress string) (string, error) {
	reply, err := c.request(ctx, protocol.TypeCreateID, protocol.CreateID{OwnerAddress: ownerAddress})
	if err != nil {
		return "", err
	}
	switch reply.Type {
	case protocol.TypeIDCreated:
		var ref protocol.ShareRef
		if err := reply.DecodePayload(&ref); err != nil {
			return "", fmt.Errorf("decode id-created: %w", err)
		}
		if ref.ID == "" {
			return "", errors.New("server returned an empty identifier")
		}
		return ref.ID, nil
	case protocol.TypeIDExists:
		return "", session.ErrIdentifierCollision
	default:
		return "", replyError(reply)
	}
}

// ResolveSession joins the share id and returns its owner address.
func (c *Client) ResolveSession(ctx context.Context, id string) (peer.Resolution, error) {
	ended := make(chan struct{})
	c.mu.Lock()
	c.ended[id] = ended
	c.mu.Unlock()

	reply, err := c.request(ctx, protocol.TypeJoinID, protocol.ShareRef{ID: id})
	if err != nil {
		c.forgetEnded(id, ended)
		return peer.Resolution{}, err
	}
	switch reply.Type {
	case protocol.TypeSenderInfo:
		var info protocol.SenderInfo
		if err := reply.DecodePayload(&info); err != nil {
			c.forgetEnded(id, ended)
			return peer.Resolution{}, fmt.Errorf("decode sender-info: %w", err)
		}
		return peer.Resolution{ID: info.ID, OwnerAddress: info.OwnerAddress, Ended: ended}, nil
	case protocol.TypeIDNotFound:
		c.forgetEnded(id, ended)
		return peer.Resolution{}, fmt.Errorf("share %q: %w", id, session.ErrSessionNotFound)
	case protocol.TypeIDFull:
		c.forgetEnded(id, ended)
		return peer.Resolution{}, fmt.Errorf("share %q: %w", id, session.ErrSessionFull)
	default:
		c.forgetEnded(id, ended)
		return peer.Resolution{}, replyError(reply)
	}
}

// SendSignal relays a negotiation message to the peer announcing address to.
func (c *Client) SendSignal(to string, sig protocol.Signal) error {
	env := protocol.MustEnvelope(protocol.TypeSignal, sig)
	env.From = c.peerID
	env.To = to
	return c.conn.Send(env)
}

// Close shuts the connection down and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.cancel()
	<-c.done
	return err
}

func (c *Client) request(ctx context.Context, msgType string, payload any) (protocol.Envelope, error) {
	env := protocol.MustEnvelope(msgType, payload)
	env.From = c.peerID
	reply := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Envelope{}, err
	}
	c.pending[env.MsgID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.MsgID)
		c.mu.Unlock()
	}()

	if err := c.conn.Send(env); err != nil {
		return protocol.Envelope{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		return protocol.Envelope{}, c.Err()
	}
}

func (c *Client) readLoop(ctx context.Context) {
	err := c.conn.ReadLoop(ctx, c.handle)
	if err == nil || ctx.Err() != nil {
		err = ErrDisconnected
	} else {
		err = fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) handle(env protocol.Envelope) {
	c.mu.Lock()
	if reply, ok := c.pending[env.MsgID]; ok && isReply(env.Type) {
		delete(c.pending, env.MsgID)
		c.mu.Unlock()
		reply <- env
		return
	}
	c.mu.Unlock()

	switch env.Type {
	case protocol.TypeSignal:
		var sig protocol.Signal
		if err := env.DecodePayload(&sig); err != nil {
			c.logger.Warn("invalid signal payload", "error", err, "from", env.From)
			return
		}
		c.mu.Lock()
		fn := c.onSignal
		c.mu.Unlock()
		if fn != nil {
			fn(env.From, sig)
		}
	case protocol.TypePeerJoined, protocol.TypePeerLeft:
		var ev protocol.PeerEvent
		if err := env.DecodePayload(&ev); err != nil {
			c.logger.Warn("invalid peer event", "type", env.Type, "error", err)
			return
		}
		c.mu.Lock()
		fn := c.onPeerJoined
		if env.Type == protocol.TypePeerLeft {
			fn = c.onPeerLeft
		}
		c.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	case protocol.TypeShareEnded:
		var ref protocol.ShareRef
		if err := env.DecodePayload(&ref); err != nil {
			c.logger.Warn("invalid share-ended payload", "error", err)
			return
		}
		c.mu.Lock()
		if ch, ok := c.ended[ref.ID]; ok {
			close(ch)
			delete(c.ended, ref.ID)
		}
		fn := c.onShareEnded
		c.mu.Unlock()
		if fn != nil {
			fn(ref.ID)
		}
	case protocol.TypeTurnCredentials:
		var creds protocol.TurnCredentials
		if err := env.DecodePayload(&creds); err != nil {
			c.logger.Error("failed to decode turn credentials", "error", err)
			return
		}
		c.mu.Lock()
		c.turnServers = creds.Servers
		c.mu.Unlock()
	case protocol.TypeError:
		var perr protocol.Error
		_ = env.DecodePayload(&perr)
		c.logger.Warn("signaling error", "code", perr.Code, "message", perr.Message)
	default:
		c.logger.Debug("ignoring signaling message", "type", env.Type)
	}
}

func (c *Client) forgetEnded(id string, ch chan struct{}) {
	c.mu.Lock()
	if c.ended[id] == ch {
		delete(c.ended, id)
	}
	c.mu.Unlock()
}

func isReply(msgType string) bool {
	switch msgType {
	case protocol.TypeIDCreated, protocol.TypeIDExists, protocol.TypeSenderInfo,
		protocol.TypeIDNotFound, protocol.TypeIDFull, protocol.TypeError:
		return true
	}
	return false
}

func replyError(env protocol.Envelope) error {
	if env.Type == protocol.TypeError {
		var perr protocol.Error
		if err := env.DecodePayload(&perr); err != nil {
			return &ServerError{Code: protocol.CodeInternal, Message: "malformed error reply"}
		}
		return &ServerError{Code: perr.Code, Message: perr.Message}
	}
	return fmt.Errorf("unexpected reply %q", env.Type)
}
