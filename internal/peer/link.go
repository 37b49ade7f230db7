package peer

import (
	"errors"
	"net/url"
	"strings"
)

// ErrInvalidShareTarget is returned when neither a link nor an identifier was given.
var ErrInvalidShareTarget = errors.New("invalid share link or identifier")

// ShareLink builds <origin>/?id=<id>.
func ShareLink(origin, id string) string {
	origin = strings.TrimRight(origin, "/")
	return origin + "/?id=" + url.QueryEscape(id)
}

// ParseShareTarget extracts the identifier from a share link, or returns a
// bare identifier unchanged. Identifiers are case-sensitive.
func ParseShareTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrInvalidShareTarget
	}
	if !strings.Contains(target, "?") && !strings.Contains(target, "://") {
		if strings.ContainsAny(target, "/ ") {
			return "", ErrInvalidShareTarget
		}
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", ErrInvalidShareTarget
	}
	id := u.Query().Get("id")
	if id == "" {
		return "", ErrInvalidShareTarget
	}
	return id, nil
}
