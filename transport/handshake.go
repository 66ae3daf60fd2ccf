package transport

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandshakeError is returned by a dial that the accepting side rejected.
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("handshake rejected: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("handshake rejected: %d %s", e.Status, e.Reason)
}

// Permanent reports whether retrying the same dial cannot succeed.
func (e *HandshakeError) Permanent() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusBadRequest, http.StatusUpgradeRequired:
		return true
	}
	return false
}

// BearerToken extracts the credential of an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// CheckHandshake validates an upgrade request against token. It returns 0
// when the request may proceed, otherwise the status to reject it with:
// 401 for a missing or wrong credential, 426 when no upgrade was requested.
func CheckHandshake(r *http.Request, token string) int {
	got := BearerToken(r)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return http.StatusUnauthorized
	}
	if !websocket.IsWebSocketUpgrade(r) {
		return http.StatusUpgradeRequired
	}
	return 0
}

// Reject writes a handshake rejection.
func Reject(w http.ResponseWriter, status int, reason string) {
	if status == http.StatusUpgradeRequired {
		w.Header().Set("Upgrade", "websocket")
	}
	if reason == "" {
		reason = http.StatusText(status)
	}
	http.Error(w, reason, status)
}

// Accept upgrades an already validated request.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upgrading to websocket")
	}
	return NewConn(ws), nil
}
