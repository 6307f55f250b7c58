package signaling

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidShareLink indicates a share link could not be parsed.
var ErrInvalidShareLink = errors.New("signaling: invalid share link")

const shareLinkPathPrefix = "/r/"

// NewRoomID returns a fresh URL-safe room identifier.
func NewRoomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShareLink builds <origin>/r/<roomID>, with the room secret as URL fragment when set.
// The fragment never reaches an HTTP server, so the secret stays between the peers.
func ShareLink(origin, roomID, secret string) string {
	link := strings.TrimRight(origin, "/") + shareLinkPathPrefix + url.PathEscape(roomID)
	if secret != "" {
		link += "#" + secret
	}
	return link
}

// ParseShareLink extracts the room id and optional secret from a share link.
// A bare room id (optionally followed by #secret) is accepted too.
func ParseShareLink(raw string) (roomID, secret string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidShareLink)
	}

	if !strings.Contains(raw, "/") {
		roomID, secret, _ = strings.Cut(raw, "#")
		if roomID == "" {
			return "", "", fmt.Errorf("%w: empty room ID", ErrInvalidShareLink)
		}
		return roomID, secret, nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidShareLink, err)
	}

	idx := strings.LastIndex(parsed.Path, shareLinkPathPrefix)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: missing %q path segment", ErrInvalidShareLink, shareLinkPathPrefix)
	}
	roomID = strings.Trim(parsed.Path[idx+len(shareLinkPathPrefix):], "/")
	if roomID == "" || strings.Contains(roomID, "/") {
		return "", "", fmt.Errorf("%w: bad room ID %q", ErrInvalidShareLink, roomID)
	}
	return roomID, parsed.Fragment, nil
}
