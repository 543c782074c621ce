// Package probe implements the two liveness signals outside the overlay
// links: an ICMP echo via the operating-system ping utility, and a plain
// TCP connect probe. ICMP probes are bounded to one in flight per target
// host; TCP connect probes are not serialized.
package probe

import (
	"context"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"
)

var (
	inflightMu sync.Mutex
	inflight   = map[string]*sync.Mutex{}
)

func hostLock(host string) *sync.Mutex {
	inflightMu.Lock()
	defer inflightMu.Unlock()
	m, ok := inflight[host]
	if !ok {
		m = &sync.Mutex{}
		inflight[host] = m
	}
	return m
}

// ICMP sends one echo request to host and reports whether a reply arrived
// within timeout. Concurrent calls for the same host serialize so a flaky
// target is never hammered by parallel child processes.
func ICMP(ctx context.Context, host string, timeout time.Duration) bool {
	m := hostLock(host)
	m.Lock()
	defer m.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "ping", "-n", "1", "-w", strconv.Itoa(secs*1000), host)
	} else {
		cmd = exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), host)
	}
	return cmd.Run() == nil
}

// TCPConnect reports whether a TCP connection to addr succeeds within
// timeout. Connection refused means the process is gone.
func TCPConnect(addr string, timeout time.Duration) bool {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = nc.Close()
	return true
}
