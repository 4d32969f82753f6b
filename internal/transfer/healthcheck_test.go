package transfer

import (
	"context"
	"net"
	"testing"
	"time"
)

// fakeUpstream starts a TCP listener that replies with reply to anything it
// reads, or closes immediately without replying if reply is nil - used to
// simulate a dead/unrelated service occupying the port.
func fakeUpstream(t *testing.T, reply []byte) (port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, len(probeFrame))
				if _, err := c.Read(buf); err != nil {
					return
				}
				if reply != nil {
					_, _ = c.Write(reply)
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { ln.Close() }
}

func TestTCPCheckerHealthyReply(t *testing.T) {
	port, stop := fakeUpstream(t, expectedReply)
	defer stop()

	checker := NewChecker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if !checker.Check(ctx, "127.0.0.1", port) {
		t.Fatalf("expected healthy for matching handshake reply")
	}
}

func TestTCPCheckerMismatchedReply(t *testing.T) {
	port, stop := fakeUpstream(t, []byte("NOPE\n"))
	defer stop()

	checker := NewChecker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if checker.Check(ctx, "127.0.0.1", port) {
		t.Fatalf("expected unhealthy for mismatched handshake reply")
	}
}

func TestTCPCheckerConnectionRefused(t *testing.T) {
	checker := NewChecker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Port 1 has nothing listening on loopback; the dial fails fast.
	if checker.Check(ctx, "127.0.0.1", 1) {
		t.Fatalf("expected unhealthy for an unreachable port")
	}
}

// flakyChecker fails on pass 1 for the given ports and succeeds afterward,
// simulating a transient flap (spec §8 invariant 7).
type flakyChecker struct {
	failOncePorts map[int]bool
	seen          map[int]int
}

func (c *flakyChecker) Check(_ context.Context, _ string, port int) bool {
	c.seen[port]++
	if c.failOncePorts[port] && c.seen[port] == 1 {
		return false
	}
	return !c.failOncePorts[port] || c.seen[port] > 1
}

func TestTwoPassCheckSuppressesTransientFlap(t *testing.T) {
	checker := &flakyChecker{failOncePorts: map[int]bool{2: true}, seen: map[int]int{}}
	targets := []Target{{Port: 1}, {Port: 2}}

	failed := twoPassCheck(context.Background(), checker, "127.0.0.1", targets)
	if len(failed) != 0 {
		t.Fatalf("expected no failures after pass-2 recovery, got %+v", failed)
	}
}

type alwaysFailChecker struct{}

func (alwaysFailChecker) Check(context.Context, string, int) bool { return false }

func TestTwoPassCheckReportsPersistentFailure(t *testing.T) {
	targets := []Target{{Port: 1}, {Port: 2}}
	failed := twoPassCheck(context.Background(), alwaysFailChecker{}, "127.0.0.1", targets)
	if len(failed) != 2 {
		t.Fatalf("expected both targets reported failed, got %+v", failed)
	}
}
