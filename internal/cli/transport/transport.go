// Package transport builds the channel transport selected in ClientConfig for
// both CLI roles.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sheerbytes/sharelink/internal/config"
	"github.com/sheerbytes/sharelink/internal/peer"
	"github.com/sheerbytes/sharelink/internal/signaling"
	"github.com/sheerbytes/sharelink/internal/transfer"
	"github.com/sheerbytes/sharelink/internal/transferquic"
	"github.com/sheerbytes/sharelink/internal/transferwebrtc"
)

// Accepter delivers inbound channels on the sharing side.
type Accepter struct {
	// OwnerAddress is what receivers use to reach this sharer.
	OwnerAddress string
	close        func() error
}

// Close stops accepting channels.
func (a *Accepter) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// Listen prepares the sharing side. onChannel is called for every channel a
// receiver opens, with a participant id.
func Listen(ctx context.Context, cfg config.ClientConfig, client *signaling.Client, logger *slog.Logger, onChannel func(ch transfer.Channel, participantID string)) (*Accepter, error) {
	switch cfg.Transport {
	case config.TransportQUIC:
		ln, err := transferquic.Listen(cfg.QUICListen, logger)
		if err != nil {
			return nil, err
		}
		owner := cfg.QUICAdvertise
		if owner == "" {
			owner = advertiseAddr(ln.Addr())
		}
		go func() {
			if err := ln.Serve(ctx, onChannel); err != nil {
				logger.Error("QUIC listener stopped", "error", err)
			}
		}()
		return &Accepter{OwnerAddress: owner, close: ln.Close}, nil

	default:
		acceptor, err := transferwebrtc.NewAcceptor(webrtcConfig(cfg, client, logger), client, onChannel)
		if err != nil {
			return nil, err
		}
		client.OnSignal(acceptor.HandleSignal)
		return &Accepter{OwnerAddress: client.PeerID(), close: acceptor.Close}, nil
	}
}

// lazyDialer builds the WebRTC dialer on first use.
type lazyDialer struct {
	cfg    config.ClientConfig
	client *signaling.Client
	logger *slog.Logger

	once   sync.Once
	dialer *transferwebrtc.Dialer
	err    error
}

func (l *lazyDialer) Connect(ctx context.Context, ownerAddress string) (transfer.Channel, error) {
	l.once.Do(func() {
		l.dialer, l.err = transferwebrtc.NewDialer(webrtcConfig(l.cfg, l.client, l.logger), l.client)
		if l.err == nil {
			l.client.OnSignal(l.dialer.HandleSignal)
		}
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.dialer.Connect(ctx, ownerAddress)
}

// Connector returns the receiving side's peer.Connector.
func Connector(cfg config.ClientConfig, client *signaling.Client, logger *slog.Logger) peer.Connector {
	if cfg.Transport == config.TransportQUIC {
		return &transferquic.Dialer{Logger: logger}
	}
	return &lazyDialer{cfg: cfg, client: client, logger: logger}
}

// turnSource reports TURN servers issued by the signaling server.
type turnSource interface {
	TurnServers() []string
}

// webrtcConfig reads issued TURN credentials per peer connection, since the
// server may push them at any point after connecting.
func webrtcConfig(cfg config.ClientConfig, issued turnSource, logger *slog.Logger) transferwebrtc.Config {
	return transferwebrtc.Config{
		STUNServers: cfg.STUNServers,
		TURNServers: cfg.TURNServers,
		ExtraTURN:   issued.TurnServers,
		Loopback:    cfg.Loopback,
		Logger:      logger,
	}
}

// advertiseAddr turns a listener address into one a LAN peer can dial.
func advertiseAddr(addr net.Addr) string {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return addr.String()
	}
	ip := udp.IP
	if ip == nil || ip.IsUnspecified() {
		ip = outboundIP()
	}
	return net.JoinHostPort(ip.String(), fmt.Sprint(udp.Port))
}

// outboundIP returns the local address used for the default route. No packet
// is sent.
func outboundIP() net.IP {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
