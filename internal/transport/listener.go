package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"
)

// Listen binds a TCP listener with SO_REUSEADDR so a node restarted inside
// the TIME_WAIT window can rebind its port.
func Listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// AcceptLoop accepts until the listener is closed or ctx is cancelled,
// handing each connection to handle on its own goroutine.
func AcceptLoop(ctx context.Context, ln net.Listener, handle func(nc net.Conn)) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("accept failed", "addr", ln.Addr(), "error", err)
			return
		}
		go handle(nc)
	}
}
