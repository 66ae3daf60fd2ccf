// Package reuse lets the coordinator rebind its listeners right after a
// restart, while the previous sockets sit in TIME_WAIT.
package reuse

import (
	"context"
	"net"
)

// Listen opens a TCP listener with SO_REUSEADDR set where supported.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	cfg := &net.ListenConfig{Control: Control}
	return cfg.Listen(ctx, "tcp", addr)
}
