//go:build !(dragonfly || freebsd || linux || netbsd || openbsd)

package server

import (
	"context"
	"net"
)

// ListenWithBacklog ignores the backlog on platforms where the socket
// cannot be set up by hand.
func ListenWithBacklog(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	return listenDefault(ctx, network, address)
}
