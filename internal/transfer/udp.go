package transfer

import (
	"net"
	"strconv"
	"sync"

	"socket-transfer/internal/applog"
	"socket-transfer/internal/metrics"
)

const udpBufferSize = 65535

// UdpForwarder abstracts the concrete UDP relay library behind the pair's
// lifetime, per spec §9's "duck-typed UDP library" design note: `create(...)
// -> Handle` with `Handle.end()`. The reference instance below is backed
// directly by net.UDPConn; a different transport could satisfy the same
// interface without touching UDPForwarderPair.
type UdpForwarder interface {
	Create(bindAddr string, upstream string) (Handle, error)
}

// Handle is a single forwarding socket's lifetime handle.
type Handle interface {
	End()
}

// udpForwarder is the reference UdpForwarder, backed by net.UDPConn.
type udpForwarder struct{}

// NewUdpForwarder returns the reference net.UDPConn-backed forwarder.
func NewUdpForwarder() UdpForwarder { return udpForwarder{} }

func (udpForwarder) Create(bindAddr string, upstream string) (Handle, error) {
	laddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(laddr.Network(), laddr)
	if err != nil {
		return nil, err
	}
	upstreamAddr, err := net.ResolveUDPAddr("udp", upstream)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	h := &udpHandle{conn: conn, upstream: upstreamAddr, bindAddr: bindAddr, done: make(chan struct{})}
	go h.loop()
	return h, nil
}

// udpHandle relays every datagram it receives to the fixed upstream
// endpoint, waits for the reply, and returns it to the original sender.
// Shaped after a receive-loop-per-socket pattern: Close unblocks the
// blocking ReadFromUDP and ends the goroutine cleanly.
type udpHandle struct {
	conn     *net.UDPConn
	upstream *net.UDPAddr
	bindAddr string

	closeOnce sync.Once
	done      chan struct{}
}

func (h *udpHandle) loop() {
	buf := make([]byte, udpBufferSize)
	family := "v4"
	if la, ok := h.conn.LocalAddr().(*net.UDPAddr); ok && la.IP.To4() == nil {
		family = "v6"
	}

	for {
		n, clientAddr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-h.done:
				return
			default:
				applog.LogUDPForwardError(h.bindAddr, err)
				return
			}
		}
		metrics.UDPDatagramForwarded(family, "inbound")
		go h.relay(append([]byte(nil), buf[:n]...), clientAddr, family)
	}
}

func (h *udpHandle) relay(payload []byte, clientAddr *net.UDPAddr, family string) {
	upstreamConn, err := net.DialUDP("udp", nil, h.upstream)
	if err != nil {
		applog.LogUDPForwardError(h.bindAddr, err)
		return
	}
	defer upstreamConn.Close()

	if _, err := upstreamConn.Write(payload); err != nil {
		applog.LogUDPForwardError(h.bindAddr, err)
		return
	}

	reply := make([]byte, udpBufferSize)
	n, err := upstreamConn.Read(reply)
	if err != nil {
		applog.LogUDPForwardError(h.bindAddr, err)
		return
	}

	if _, err := h.conn.WriteToUDP(reply[:n], clientAddr); err != nil {
		applog.LogUDPForwardError(h.bindAddr, err)
		return
	}
	metrics.UDPDatagramForwarded(family, "outbound")
}

// End closes the socket, unblocking the receive loop. Exceptions are
// swallowed per spec §4.5's best-effort teardown policy.
func (h *udpHandle) End() {
	h.closeOnce.Do(func() {
		close(h.done)
		_ = h.conn.Close()
	})
}

// UDPForwarderPair owns the IPv4-loopback and IPv6-loopback forwarding
// sockets described in spec §4.5. Both forward to the same fixed upstream
// endpoint and share one lifetime: bound together by Start, ended together
// on Stop. Construction binds nothing; Start is called from Relay.Listen.
type UDPForwarderPair struct {
	port     int
	upstream string
	forwarder UdpForwarder

	mu   sync.Mutex
	v4   Handle
	v6   Handle
}

// NewUDPForwarderPair builds a pair bound to port on both loopback
// families, forwarding to upstream (host:port).
func NewUDPForwarderPair(port int, upstream string, forwarder UdpForwarder) *UDPForwarderPair {
	if forwarder == nil {
		forwarder = NewUdpForwarder()
	}
	return &UDPForwarderPair{port: port, upstream: upstream, forwarder: forwarder}
}

// Start binds both sockets. If IPv6 loopback is unavailable (common in
// sandboxed/containerized hosts), that half is logged and skipped rather
// than failing the whole pair - the TCP relay does not depend on UDP being
// fully up.
func (p *UDPForwarderPair) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	v4, err := p.forwarder.Create(net.JoinHostPort("127.0.0.1", strconv.Itoa(p.port)), p.upstream)
	if err != nil {
		return err
	}
	p.v4 = v4

	v6, err := p.forwarder.Create(net.JoinHostPort("::1", strconv.Itoa(p.port)), p.upstream)
	if err != nil {
		applog.LogUDPForwardError("[::1]", err)
	} else {
		p.v6 = v6
	}
	return nil
}

// Stop ends both sockets, best-effort.
func (p *UDPForwarderPair) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.v4 != nil {
		p.v4.End()
	}
	if p.v6 != nil {
		p.v6.End()
	}
}
