// Package tcp implements a TCP/IP transmission control block table: the
// RFC 793 state machine, 4 KiB tx/rx rings per connection, MSS-bounded
// segments, and a tick-driven retransmission timer with RTO doubling.
// Duplicate-ACK fast retransmit is intentionally not implemented — at
// one connection's retransmission rate this never matters, and the
// accept queue is always exactly one connection deep.
package tcp

import (
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ernivani/imposos/common"
)

const (
	// MSS bounds every segment's payload.
	MSS = 1400
	// MaxRetries is how many RTO-driven retransmissions a TCB tolerates
	// before tearing down to CLOSED with ECONNRESET.
	MaxRetries = 5

	initialRTOMs = 1000
)

// IPSender is the subset of net/ipv4.Interface TCP needs to send
// segments.
type IPSender interface {
	SendTransport(dst net.IP, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) common.Errno
}

// Clock supplies the simulated wall clock the retransmission timer is
// measured against.
type Clock interface {
	NowMs() int64
}

type connKey struct {
	remoteIP   string
	remotePort uint16
	localPort  uint16
}

// Table owns every listener and connection TCB for one interface.
type Table struct {
	mu sync.Mutex

	listeners map[uint16]*TCB
	conns     map[connKey]*TCB

	ip    IPSender
	clock Clock
	log   logr.Logger
	isn   uint32
}

func NewTable(log logr.Logger, ip IPSender, clock Clock) *Table {
	return &Table{
		listeners: map[uint16]*TCB{},
		conns:     map[connKey]*TCB{},
		ip:        ip, clock: clock, log: log,
	}
}

func (t *Table) nextISN() uint32 {
	// Monotonic, clock-advanced generator in RFC 793's spirit rather
	// than a fully random one; crypto/prng seeds the handshake's random
	// nonces elsewhere, not the ISN.
	t.isn += 64000 + uint32(t.clock.NowMs())
	return t.isn
}

// Listen reserves port for passive opens. A second Listen on the same
// port fails with EADDRINUSE.
func (t *Table) Listen(port uint16) (*TCB, common.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[port]; ok {
		return nil, common.EADDRINUSE
	}
	l := &TCB{state: StateListen, localPort: port}
	t.listeners[port] = l
	return l, 0
}

// Accept dequeues the listener's single pending completed connection,
// or EAGAIN if none has finished its handshake yet.
func (t *Table) Accept(listener *TCB) (*TCB, common.Errno) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.state != StateListen {
		return nil, common.EINVAL
	}
	if listener.pending == nil {
		return nil, common.EAGAIN
	}
	conn := listener.pending
	listener.pending = nil
	return conn, 0
}

// Connect begins an active open: allocate a TCB in SYN_SENT and send
// the initial SYN. The handshake completes asynchronously as replies
// arrive via HandleTCP; the caller polls TCB.State().
func (t *Table) Connect(remoteIP net.IP, remotePort, localPort uint16) (*TCB, common.Errno) {
	key := connKey{remoteIP: remoteIP.String(), remotePort: remotePort, localPort: localPort}

	t.mu.Lock()
	if _, exists := t.conns[key]; exists {
		t.mu.Unlock()
		return nil, common.EADDRINUSE
	}
	iss := t.nextISN()
	c := &TCB{
		state: StateSynSent, localPort: localPort, remotePort: remotePort,
		remoteIP: append(net.IP(nil), remoteIP...), iss: iss, rto: initialRTOMs,
	}
	t.conns[key] = c
	t.mu.Unlock()

	t.sendSegment(c, true, false, false, iss, 0, nil)
	c.lastSend = t.clock.NowMs()
	return c, 0
}

// Close begins the active-close path: ESTABLISHED moves to FIN_WAIT_1,
// CLOSE_WAIT (peer already closed their side) moves to LAST_ACK. The
// FIN itself goes out once any queued data has been flushed.
func (t *Table) Close(c *TCB) common.Errno {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateEstablished:
		c.finQueued = true
		c.state = StateFinWait1
	case StateCloseWait:
		c.finQueued = true
		c.state = StateLastAck
	default:
		return common.ENOTCONN
	}
	t.maybeSendFin(c)
	return 0
}

// Send queues data for transmission and flushes whatever fits within
// MSS-sized segments immediately.
func (t *Table) Send(c *TCB, data []byte) (int, common.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished && c.state != StateCloseWait {
		return 0, common.ENOTCONN
	}
	n := c.tx.write(data)
	t.flush(c)
	return n, 0
}

// Recv pops received bytes off the rx ring, returns (0, 0) on a clean
// peer FIN once drained, or EAGAIN while open with nothing queued.
func (t *Table) Recv(c *TCB, buf []byte) (int, common.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rx.avail() > 0 {
		return c.rx.read(buf), 0
	}
	if c.peerFin {
		return 0, 0
	}
	if c.state == StateClosed {
		return 0, c.errOr(common.ECONNRESET)
	}
	return 0, common.EAGAIN
}

func (t *Table) flush(c *TCB) {
	for c.tx.nxt != c.tx.end {
		chunk := c.tx.pending(MSS)
		seq := c.dataSeq(c.tx.nxt)
		t.sendSegment(c, false, true, false, seq, c.rcvNxt, chunk)
		c.tx.nxt += uint32(len(chunk))
	}
	c.lastSend = t.clock.NowMs()
	t.maybeSendFin(c)
}

func (t *Table) maybeSendFin(c *TCB) {
	if !c.finQueued || c.finSent || c.tx.nxt != c.tx.end {
		return
	}
	c.finSent = true
	t.sendSegment(c, false, true, true, c.finSeq(), c.rcvNxt, nil)
	c.lastSend = t.clock.NowMs()
}

// HandleTCP is net/ipv4's Demux entry point.
func (t *Table) HandleTCP(src net.IP, payload []byte) {
	seg := &layers.TCP{}
	if err := seg.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return
	}
	localPort := uint16(seg.DstPort)
	remotePort := uint16(seg.SrcPort)
	key := connKey{remoteIP: src.String(), remotePort: remotePort, localPort: localPort}

	t.mu.Lock()
	conn, ok := t.conns[key]
	listener := t.listeners[localPort]
	t.mu.Unlock()

	if ok {
		t.handleConnSegment(conn, seg)
		return
	}
	if listener != nil && seg.SYN && !seg.ACK {
		t.handlePassiveSyn(listener, src, remotePort, seg)
		return
	}
	if !seg.RST {
		t.sendRST(src, localPort, remotePort, seg.Ack)
	}
}

func (t *Table) handlePassiveSyn(listener *TCB, src net.IP, remotePort uint16, seg *layers.TCP) {
	listener.mu.Lock()
	full := listener.pending != nil
	listener.mu.Unlock()
	if full {
		// Backlog is exactly one connection deep; a SYN that arrives
		// while it's occupied is dropped, the peer's own retransmission
		// will retry once the slot frees up.
		return
	}

	iss := t.nextISN()
	conn := &TCB{
		state: StateSynReceived, localPort: listener.localPort, remotePort: remotePort,
		remoteIP: append(net.IP(nil), src...),
		iss:      iss, irs: seg.Seq, rcvNxt: seg.Seq + 1, rto: initialRTOMs,
	}
	t.mu.Lock()
	t.conns[connKey{remoteIP: src.String(), remotePort: remotePort, localPort: listener.localPort}] = conn
	t.mu.Unlock()

	t.sendSegment(conn, true, true, false, conn.iss, conn.rcvNxt, nil)
	conn.lastSend = t.clock.NowMs()
}

func (t *Table) handleConnSegment(c *TCB, seg *layers.TCP) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seg.RST {
		c.state = StateClosed
		c.err = common.ECONNRESET
		return
	}

	switch c.state {
	case StateSynSent:
		if seg.SYN && seg.ACK && seg.Ack == c.iss+1 {
			c.irs = seg.Seq
			c.rcvNxt = seg.Seq + 1
			c.synAcked = true
			c.state = StateEstablished
			t.sendSegment(c, false, true, false, c.iss+1, c.rcvNxt, nil)
		}
		return
	case StateSynReceived:
		if seg.ACK && seg.Ack == c.iss+1 {
			c.synAcked = true
			c.state = StateEstablished
			t.attachToListener(c)
		}
		return
	}

	if seg.ACK {
		c.applyAck(seg.Ack)
	}

	if len(seg.Payload) > 0 && seg.Seq == c.rcvNxt {
		n := c.rx.append(seg.Payload)
		c.rcvNxt += uint32(n)
		t.sendSegment(c, false, true, false, c.dataSeq(c.tx.nxt), c.rcvNxt, nil)
	}

	if seg.FIN && !c.peerFin {
		c.peerFin = true
		c.rcvNxt++
		t.sendSegment(c, false, true, false, c.dataSeq(c.tx.nxt), c.rcvNxt, nil)
		switch c.state {
		case StateEstablished:
			c.state = StateCloseWait
		case StateFinWait1:
			c.state = StateClosing
		case StateFinWait2:
			c.state = StateTimeWait
		}
	}
}

func (c *TCB) applyAck(ack uint32) {
	if !c.synAcked {
		return
	}
	base := c.iss + 1
	if ack <= base {
		return
	}
	offset := ack - base
	if offset > c.tx.end {
		offset = c.tx.end
	}
	c.tx.ack(offset)
	if c.finSent && !c.finAcked && ack == c.finSeq()+1 {
		c.finAcked = true
		switch c.state {
		case StateFinWait1:
			c.state = StateFinWait2
		case StateClosing:
			c.state = StateTimeWait
		case StateLastAck:
			c.state = StateClosed
		}
	}
}

func (t *Table) attachToListener(c *TCB) {
	t.mu.Lock()
	l := t.listeners[c.localPort]
	t.mu.Unlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		l.pending = c
	}
}

// Tick drives retransmission: any TCB with unacked SYN, data, or FIN
// whose RTO has elapsed since its last send gets that segment resent
// with rto doubled, until MaxRetries is exceeded and the TCB tears down
// to CLOSED with ECONNRESET surfaced to whatever owns the socket.
func (t *Table) Tick(nowMs int64) {
	t.mu.Lock()
	conns := make([]*TCB, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		t.tickConn(c, nowMs)
	}
}

func (t *Table) tickConn(c *TCB, now int64) {
	c.mu.Lock()
	unacked := !c.synAcked || c.tx.unacked() > 0 || (c.finSent && !c.finAcked)
	if !unacked || now-c.lastSend < c.rto {
		c.mu.Unlock()
		return
	}
	if c.retries >= MaxRetries {
		c.state = StateClosed
		c.err = common.ECONNRESET
		key := connKey{remoteIP: c.remoteIP.String(), remotePort: c.remotePort, localPort: c.localPort}
		c.mu.Unlock()
		t.mu.Lock()
		delete(t.conns, key)
		t.mu.Unlock()
		return
	}
	c.retries++
	c.rto *= 2
	c.lastSend = now
	t.retransmit(c)
	c.mu.Unlock()
}

func (t *Table) retransmit(c *TCB) {
	switch {
	case !c.synAcked:
		if c.state == StateSynReceived {
			t.sendSegment(c, true, true, false, c.iss, c.rcvNxt, nil)
		} else {
			t.sendSegment(c, true, false, false, c.iss, 0, nil)
		}
	case c.tx.unacked() > 0:
		chunk := c.tx.unackedBytes(MSS)
		t.sendSegment(c, false, true, false, c.dataSeq(c.tx.una), c.rcvNxt, chunk)
	case c.finSent && !c.finAcked:
		t.sendSegment(c, false, true, true, c.finSeq(), c.rcvNxt, nil)
	}
}

func (t *Table) sendSegment(c *TCB, syn, ack, fin bool, seq, ackNum uint32, payload []byte) common.Errno {
	seg := &layers.TCP{
		SrcPort: layers.TCPPort(c.localPort), DstPort: layers.TCPPort(c.remotePort),
		Seq: seq, Ack: ackNum, SYN: syn, ACK: ack, FIN: fin,
		Window: RingSize, DataOffset: 5,
	}
	return t.ip.SendTransport(c.remoteIP, layers.IPProtocolTCP, seg, payload)
}

func (t *Table) sendRST(dst net.IP, localPort, remotePort uint16, seq uint32) {
	seg := &layers.TCP{
		SrcPort: layers.TCPPort(localPort), DstPort: layers.TCPPort(remotePort),
		Seq: seq, RST: true, DataOffset: 5,
	}
	t.ip.SendTransport(dst, layers.IPProtocolTCP, seg, nil)
}
