// Package udp implements a fixed-capacity UDP binding table: bind a
// port to one of 8 slots, enqueue received datagrams onto a small
// per-binding ring, and recv with an absolute deadline in the same
// "return EAGAIN or ETIMEDOUT, caller retries" style every other
// blocking-capable kernel primitive here uses.
package udp

import (
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ernivani/imposos/common"
)

const (
	// MaxBindings is the fixed slot table size.
	MaxBindings = 8
	// RingDepth is how many undelivered datagrams a binding holds.
	RingDepth = 4
	// MaxDatagram bounds a single datagram's payload.
	MaxDatagram = 1400
)

type datagram struct {
	data    []byte
	src     net.IP
	srcPort uint16
}

type binding struct {
	inUse bool
	port  uint16
	ring  [RingDepth]datagram
	head  uint32
	tail  uint32
}

func (b *binding) full() bool  { return b.head-b.tail == RingDepth }
func (b *binding) empty() bool { return b.head == b.tail }

// IPSender is the subset of net/ipv4.Interface a UDP sender needs.
type IPSender interface {
	SendTransport(dst net.IP, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) common.Errno
}

// Clock supplies the simulated wall clock Recv's deadline is measured
// against, the same seam net/tcp's retransmission timer uses.
type Clock interface {
	NowMs() int64
}

// Table owns every UDP binding for one interface.
type Table struct {
	mu       sync.Mutex
	bindings [MaxBindings]binding

	ip    IPSender
	clock Clock
	log   logr.Logger
}

func NewTable(log logr.Logger, ip IPSender, clock Clock) *Table {
	return &Table{ip: ip, clock: clock, log: log}
}

// Bind reserves a slot for port, failing with EADDRINUSE if another
// binding already owns it or ENFILE if the table is full.
func (t *Table) Bind(port uint16) (int, common.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.bindings {
		if t.bindings[i].inUse && t.bindings[i].port == port {
			return -1, common.EADDRINUSE
		}
	}
	for i := range t.bindings {
		if !t.bindings[i].inUse {
			t.bindings[i] = binding{inUse: true, port: port}
			return i, 0
		}
	}
	return -1, common.ENFILE
}

// Unbind releases slot, discarding any undelivered datagrams.
func (t *Table) Unbind(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot >= 0 && slot < MaxBindings {
		t.bindings[slot] = binding{}
	}
}

// HandleUDP is net/ipv4's Demux entry point: it decodes the UDP header
// out of payload and, if a binding owns the destination port, enqueues
// the datagram. A full ring drops the newest datagram rather than the
// oldest.
func (t *Table) HandleUDP(src net.IP, payload []byte) {
	udpLayer := &layers.UDP{}
	if err := udpLayer.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.bindings {
		b := &t.bindings[i]
		if !b.inUse || b.port != uint16(udpLayer.DstPort) {
			continue
		}
		if b.full() {
			return
		}
		b.ring[b.head%RingDepth] = datagram{
			data:    append([]byte(nil), udpLayer.Payload...),
			src:     append(net.IP(nil), src...),
			srcPort: uint16(udpLayer.SrcPort),
		}
		b.head++
		return
	}
}

// Recv pops the oldest queued datagram for slot into buf. If none is
// queued it returns ETIMEDOUT once the clock has passed deadlineMs, or
// EAGAIN so the caller's syscall-retry loop polls again before then —
// the "sleep-poll" behavior described for this recv.
func (t *Table) Recv(slot int, buf []byte, deadlineMs int64) (int, net.IP, uint16, common.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= MaxBindings || !t.bindings[slot].inUse {
		return 0, nil, 0, common.EINVAL
	}
	b := &t.bindings[slot]
	if !b.empty() {
		d := b.ring[b.tail%RingDepth]
		b.tail++
		n := copy(buf, d.data)
		return n, d.src, d.srcPort, 0
	}
	if t.clock.NowMs() >= deadlineMs {
		return 0, nil, 0, common.ETIMEDOUT
	}
	return 0, nil, 0, common.EAGAIN
}

// Send builds a UDP header with checksum and hands the datagram to IP.
func (t *Table) Send(slot int, dst net.IP, dstPort uint16, payload []byte) (int, common.Errno) {
	if len(payload) > MaxDatagram {
		return 0, common.EMSGSIZE
	}
	t.mu.Lock()
	if slot < 0 || slot >= MaxBindings || !t.bindings[slot].inUse {
		t.mu.Unlock()
		return 0, common.EINVAL
	}
	port := t.bindings[slot].port
	t.mu.Unlock()

	udpLayer := &layers.UDP{SrcPort: layers.UDPPort(port), DstPort: layers.UDPPort(dstPort)}
	if errno := t.ip.SendTransport(dst, layers.IPProtocolUDP, udpLayer, payload); errno != 0 {
		return 0, errno
	}
	return len(payload), 0
}
