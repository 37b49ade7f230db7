package signaling

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sheerbytes/sharelink/pkg/protocol"
)

// turnIssuer mints TURN REST API credentials (coturn use-auth-secret).
type turnIssuer struct {
	servers []string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

func newTurnIssuer(servers []string, secret string, ttl time.Duration) *turnIssuer {
	if len(servers) == 0 || secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &turnIssuer{
		servers: servers,
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (t *turnIssuer) Issue(peerID string) (protocol.TurnCredentials, error) {
	if t == nil {
		return protocol.TurnCredentials{}, fmt.Errorf("turn issuer not configured")
	}
	expiry := t.now().Add(t.ttl).UTC()
	username := fmt.Sprintf("%d:%s", expiry.Unix(), peerID)
	password := buildTurnPassword(t.secret, username)
	servers := make([]string, 0, len(t.servers))
	for _, raw := range t.servers {
		credURL, err := injectTurnCredentials(raw, username, password)
		if err != nil {
			return protocol.TurnCredentials{}, err
		}
		servers = append(servers, credURL)
	}
	return protocol.TurnCredentials{
		Servers:   servers,
		ExpiresAt: expiry.Format(time.RFC3339),
	}, nil
}

func buildTurnPassword(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func injectTurnCredentials(raw, username, password string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty TURN server")
	}
	switch {
	case strings.HasPrefix(raw, "turns://"), strings.HasPrefix(raw, "turn://"):
	case strings.HasPrefix(raw, "turns:"):
		raw = "turns://" + strings.TrimPrefix(raw, "turns:")
	case strings.HasPrefix(raw, "turn:"):
		raw = "turn://" + strings.TrimPrefix(raw, "turn:")
	default:
		raw = "turn://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse TURN server: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing TURN host")
	}
	u.User = url.UserPassword(username, password)
	return u.String(), nil
}
