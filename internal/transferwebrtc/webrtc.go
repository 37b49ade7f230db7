package transferwebrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/sharelink/internal/peer"
	"github.com/sheerbytes/sharelink/internal/transfer"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

const (
	dataChannelLabel = "sharelink"
	gatherTimeout    = 10 * time.Second
	closeLinger      = 2 * time.Second
	drainPoll        = 10 * time.Millisecond
)

var (
	_ transfer.Channel          = (*Channel)(nil)
	_ transfer.BufferedAmounter = (*Channel)(nil)
	_ peer.Connector            = (*Dialer)(nil)
)

// ErrConnectionFailed is delivered when ICE or DTLS fails.
var ErrConnectionFailed = errors.New("peer connection failed")

// Signaler relays negotiation messages to another peer's address.
type Signaler interface {
	SendSignal(to string, sig protocol.Signal) error
}

// Channel is a transfer.Channel over one reliable, ordered DataChannel.
// It owns its PeerConnection.
type Channel struct {
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	q         *transfer.EventQueue
	open      atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

func newChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, onClose func()) *Channel {
	c := &Channel{pc: pc, dc: dc, q: transfer.NewEventQueue(), onClose: onClose}
	dc.OnOpen(func() {
		if c.q.Closed() {
			return
		}
		c.open.Store(true)
		c.q.Push(transfer.Event{Kind: transfer.EventOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.q.Push(transfer.Event{Kind: transfer.EventMessage, Data: msg.Data})
	})
	dc.OnError(func(err error) {
		c.q.Push(transfer.Event{Kind: transfer.EventError, Err: err})
	})
	dc.OnClose(func() {
		c.shutdown(nil)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.shutdown(ErrConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			c.shutdown(nil)
		}
	})
	return c
}

// Events returns the inbound event stream.
func (c *Channel) Events() <-chan transfer.Event {
	return c.q.Events()
}

// Send transmits one message on the DataChannel.
func (c *Channel) Send(msg []byte) error {
	if !c.open.Load() {
		return transfer.ErrChannelClosed
	}
	if err := c.dc.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrChannelClosed, err)
	}
	return nil
}

// IsOpen reports whether the DataChannel is open.
func (c *Channel) IsOpen() bool {
	return c.open.Load() && c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// BufferedAmount returns bytes queued on the DataChannel.
func (c *Channel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

// Close waits briefly for queued messages to drain, then closes the
// DataChannel and its PeerConnection.
func (c *Channel) Close() error {
	if c.open.Swap(false) {
		deadline := time.Now().Add(closeLinger)
		for c.dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
			time.Sleep(drainPoll)
		}
	}
	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		if cause != nil {
			c.q.Push(transfer.Event{Kind: transfer.EventError, Err: cause})
		}
		c.q.Push(transfer.Event{Kind: transfer.EventClose})
		// Never close synchronously from inside a pion callback.
		go func() {
			_ = c.dc.Close()
			_ = c.pc.Close()
		}()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Acceptor answers offers relayed through signaling on the sharing side and
// hands each resulting channel to OnChannel.
type Acceptor struct {
	api       *webrtc.API
	cfg       Config
	signaler  Signaler
	onChannel func(ch transfer.Channel, from string)
	logger    *slog.Logger

	mu     sync.Mutex
	conns  map[string]*webrtc.PeerConnection
	closed bool
}

// NewAcceptor creates an Acceptor. onChannel runs once per negotiated channel.
func NewAcceptor(cfg Config, signaler Signaler, onChannel func(ch transfer.Channel, from string)) (*Acceptor, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		api:       api,
		cfg:       cfg,
		signaler:  signaler,
		onChannel: onChannel,
		logger:    logger,
		conns:     make(map[string]*webrtc.PeerConnection),
	}, nil
}

// HandleSignal processes a relayed offer without blocking the caller.
func (a *Acceptor) HandleSignal(from string, sig protocol.Signal) {
	if sig.Kind != protocol.SignalOffer {
		a.logger.Debug("ignoring signal", "kind", sig.Kind, "from", from)
		return
	}
	go func() {
		if err := a.answer(from, sig.SDP); err != nil {
			a.logger.Warn("failed to answer offer", "from", from, "error", err)
		}
	}()
}

func (a *Acceptor) answer(from, sdp string) error {
	pcConfig, err := a.cfg.peerConnectionConfig()
	if err != nil {
		return err
	}
	pc, err := a.api.NewPeerConnection(pcConfig)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = pc.Close()
		return errors.New("acceptor closed")
	}
	if old := a.conns[from]; old != nil {
		go old.Close()
	}
	a.conns[from] = pc
	a.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		ch := newChannel(pc, dc, func() { a.forget(from, pc) })
		a.onChannel(ch, from)
	})

	fail := func(err error) error {
		a.forget(from, pc)
		_ = pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		a.logger.Warn("ICE gathering incomplete, answering with partial candidates", "from", from)
	}
	local := pc.LocalDescription()
	if local == nil {
		return fail(errors.New("no local description"))
	}
	if err := a.signaler.SendSignal(from, protocol.Signal{Kind: protocol.SignalAnswer, SDP: local.SDP}); err != nil {
		return fail(fmt.Errorf("send answer: %w", err))
	}
	return nil
}

func (a *Acceptor) forget(from string, pc *webrtc.PeerConnection) {
	a.mu.Lock()
	if a.conns[from] == pc {
		delete(a.conns, from)
	}
	a.mu.Unlock()
}

// Close tears down every peer connection and rejects further offers.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	a.closed = true
	conns := a.conns
	a.conns = make(map[string]*webrtc.PeerConnection)
	a.mu.Unlock()
	for _, pc := range conns {
		_ = pc.Close()
	}
	return nil
}

// Dialer opens channels to sharing peers on the receiving side.
type Dialer struct {
	api      *webrtc.API
	cfg      Config
	signaler Signaler
	logger   *slog.Logger

	mu      sync.Mutex
	waiting map[string]chan string
}

// NewDialer creates a Dialer. Answers must be fed to HandleSignal.
func NewDialer(cfg Config, signaler Signaler) (*Dialer, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		api:      api,
		cfg:      cfg,
		signaler: signaler,
		logger:   logger,
		waiting:  make(map[string]chan string),
	}, nil
}

// HandleSignal delivers a relayed answer to the matching Connect call.
func (d *Dialer) HandleSignal(from string, sig protocol.Signal) {
	if sig.Kind != protocol.SignalAnswer {
		d.logger.Debug("ignoring signal", "kind", sig.Kind, "from", from)
		return
	}
	d.mu.Lock()
	ch := d.waiting[from]
	d.mu.Unlock()
	if ch == nil {
		d.logger.Warn("unexpected answer", "from", from)
		return
	}
	select {
	case ch <- sig.SDP:
	default:
	}
}

// Connect offers a DataChannel to ownerAddress and returns once the answer
// has been applied. The channel reports EventOpen when it becomes usable.
func (d *Dialer) Connect(ctx context.Context, ownerAddress string) (transfer.Channel, error) {
	pcConfig, err := d.cfg.peerConnectionConfig()
	if err != nil {
		return nil, err
	}
	pc, err := d.api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	answers := make(chan string, 1)
	d.mu.Lock()
	d.waiting[ownerAddress] = answers
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.waiting[ownerAddress] == answers {
			delete(d.waiting, ownerAddress)
		}
		d.mu.Unlock()
	}()

	ch := newChannel(pc, dc, nil)
	fail := func(err error) (transfer.Channel, error) {
		ch.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	if err := d.signaler.SendSignal(ownerAddress, protocol.Signal{Kind: protocol.SignalOffer, SDP: pc.LocalDescription().SDP}); err != nil {
		return fail(fmt.Errorf("send offer: %w", err))
	}

	var sdp string
	select {
	case sdp = <-answers:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}
	return ch, nil
}
