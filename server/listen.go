package server

import (
	"context"
	"fmt"
	"net"
)

func listenDefault(ctx context.Context, network, address string) (net.Listener, error) {
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return listener, nil
}
