// Package notify publishes fire-and-forget status strings to a supervising
// process over a datagram socket, in the style of sd_notify. Export sessions
// use it to surface progress as X_EXPORT_PROGRESS=<percent> without caring
// whether anyone is listening.
package notify

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// Notifier publishes key=value status strings.
type Notifier interface {
	Notify(state string) error
}

// discard drops all notifications.
type discard struct{}

func (discard) Notify(string) error { return nil }

// Discard is a Notifier that drops everything. Used when no notification
// socket is configured.
var Discard Notifier = discard{}

// SocketNotifier sends each state string as one datagram to a unix socket.
// Abstract socket addresses are supported with the customary "@" prefix.
type SocketNotifier struct {
	addr string
}

// NewSocketNotifier creates a notifier targeting the given socket address.
func NewSocketNotifier(addr string) *SocketNotifier {
	return &SocketNotifier{addr: addr}
}

// FromEnv returns a notifier bound to $NOTIFY_SOCKET, or Discard when the
// variable is unset.
func FromEnv() Notifier {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return Discard
	}
	return NewSocketNotifier(addr)
}

// Notify sends state as a single datagram. A fresh connection per call keeps
// the notifier stateless; the cost is negligible next to the rate-limited
// call sites.
func (n *SocketNotifier) Notify(state string) error {
	addr := n.addr
	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("failed to dial notify socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}
