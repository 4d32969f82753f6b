package transfer

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"socket-transfer/internal/applog"
	"socket-transfer/internal/metrics"
)

const unlistenBudget = 500 * time.Millisecond

// notReadyBody is written to a client whose accept found an empty target
// registry (spec §8 scenario S2).
const notReadyBody = "socket transfer not ready!"

// Relay is the TCP relay (C4): accepts inbound connections, consults a
// Balancer, dials the chosen target, and splices bytes bidirectionally.
// Its lifetime also carries the UDP forwarder pair (C5), which starts and
// stops alongside it per spec §4.5.
type Relay struct {
	address string
	bind    string

	balancer *balancerRef
	bus      *EventBus
	udp      *UDPForwarderPair

	listener net.Listener
	closed   atomic.Bool

	bytesTransfer atomic.Int64

	// onSessionDone, if set, is invoked after each session ends with the
	// byte counts for that session; the supervisor uses this to sample
	// speed.
	onSessionDone func(bytesRead, bytesWritten int64)
}

// NewRelay builds a relay bound to address/bind with the given balancer
// reference, event bus, and UDP forwarder pair. Listen must be called to
// actually bind.
func NewRelay(address, bind string, balancer *balancerRef, bus *EventBus, udp *UDPForwarderPair) *Relay {
	return &Relay{address: address, bind: bind, balancer: balancer, bus: bus, udp: udp}
}

// Listen binds the TCP listener on (address, port) and starts the accept
// loop in the background. Returns the bound port on success.
func (r *Relay) Listen(port int) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(r.address, strconv.Itoa(port)))
	if err != nil {
		if isAddrInUse(err) {
			return 0, &PortInUseError{Port: port}
		}
		return 0, &StartFailureError{Err: err}
	}
	r.listener = ln

	if r.udp != nil {
		if err := r.udp.Start(); err != nil {
			applog.LogUDPForwardError("start", err)
		}
	}

	go r.acceptLoop()

	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (r *Relay) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.closed.Load() {
				return
			}
			r.bus.emit(eventSocketTransferErr, socketTransferErrorPayload{Error: err})
			return
		}
		go r.handleConn(conn)
	}
}

func (r *Relay) handleConn(client net.Conn) {
	remote := client.RemoteAddr().String()
	applog.LogRelayAccept(remote)

	bal := r.balancer.Load()
	target, ok := bal.PickOne()
	if !ok {
		applog.LogNoTarget(remote)
		_, _ = client.Write([]byte(notReadyBody))
		_ = client.Close()
		r.bus.emit(eventLoadBalancerError, loadBalancerErrorPayload{Error: &NoTargetError{}})
		metrics.RelaySessionOutcome("no_target")
		return
	}

	metrics.BalancerPick(bal.Strategy(), target.Port)
	applog.LogRelayDial(remote, target.Port)
	bal.OnOpen(target.Port)
	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(r.bind, strconv.Itoa(target.Port)), 5*time.Second)
	if err != nil {
		bal.OnClose(target.Port)
		applog.LogRelayDialFailure(target.Port, err)
		_ = client.Close()
		metrics.RelaySessionOutcome("dial_failed")
		return
	}

	metrics.RelaySessionStarted()
	bytesRead, bytesWritten := r.splice(client, upstream, remote, target.Port)
	bal.OnClose(target.Port)
	metrics.RelaySessionEnded()
	metrics.RelaySessionOutcome("ok")

	r.bytesTransfer.Add(bytesRead + bytesWritten)
	metrics.RelayBytesRead(bytesRead)
	metrics.RelayBytesWritten(bytesWritten)
	applog.LogRelaySessionEnd(remote, bytesRead, bytesWritten)

	if r.onSessionDone != nil {
		r.onSessionDone(bytesRead, bytesWritten)
	}
}

// splice pipes bytes bidirectionally between client and upstream until both
// directions finish, closing each conn when the other side is done. Errors
// on either side are logged, never surfaced as events (see spec §4.4: "the
// current contract is silent").
func (r *Relay) splice(client, upstream net.Conn, remote string, targetPort int) (bytesRead, bytesWritten int64) {
	done := make(chan struct{}, 2)

	go func() {
		n, err := io.Copy(upstream, client)
		if err != nil {
			applog.LogRelayLocalError(remote, err)
		}
		_ = upstream.Close()
		atomic.AddInt64(&bytesRead, n)
		done <- struct{}{}
	}()

	go func() {
		n, err := io.Copy(client, upstream)
		if err != nil {
			applog.LogRelayRemoteError(targetPort, err)
		}
		_ = client.Close()
		atomic.AddInt64(&bytesWritten, n)
		done <- struct{}{}
	}()

	<-done
	<-done
	return bytesRead, bytesWritten
}

// BytesTransfer returns the monotonic counter of bytesRead+bytesWritten
// accumulated across every completed session.
func (r *Relay) BytesTransfer() int64 { return r.bytesTransfer.Load() }

// Unlisten closes the listener and ends the UDP forwarder pair. It never
// returns an error synchronously for network failures; instead it resolves
// with UnlistenTimeoutError if teardown exceeds its 500ms budget. In-flight
// sessions are not torn down; only new accepts stop.
func (r *Relay) Unlisten(ctx context.Context) error {
	r.closed.Store(true)

	done := make(chan struct{})
	go func() {
		if r.listener != nil {
			_ = r.listener.Close()
		}
		if r.udp != nil {
			r.udp.Stop() // best-effort, errors swallowed per spec §4.5
		}
		close(done)
	}()

	timer := time.NewTimer(unlistenBudget)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		applog.LogUnlistenTimeout(unlistenBudget)
		return &UnlistenTimeoutError{}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoTargetError reports that PickOne found the registry empty at accept
// time (spec §7 NoTarget).
type NoTargetError struct{}

func (e *NoTargetError) Error() string { return "no target available" }

func isAddrInUse(err error) bool {
	msg := err.Error()
	for _, sub := range []string{"address already in use", "only one usage of each socket address"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
