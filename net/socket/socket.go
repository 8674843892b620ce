// Package socket implements the fd-facing socket layer: a fixed table
// mapping a socket descriptor to a stream (TCP) or datagram (UDP)
// resource, bound port, and (for stream sockets) the TCB a listen/
// accept/connect call is driving.
package socket

import (
	"net"
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/net/tcp"
	"github.com/ernivani/imposos/net/udp"
)

// MaxSockets bounds the table the way proc.MaxFDs bounds a task's
// descriptor table.
const MaxSockets = 32

// firstEphemeralPort is where an unbound active-open socket's local
// port is allocated from.
const firstEphemeralPort = 49152

type Kind int

const (
	KindStream Kind = iota
	KindDgram
)

type socket struct {
	inUse     bool
	kind      Kind
	boundPort uint16
	listening bool

	udpSlot int
	tcb     *tcp.TCB
}

// Table owns every open socket for one interface.
type Table struct {
	mu      sync.Mutex
	entries [MaxSockets]socket

	udp         *udp.Table
	tcpt        *tcp.Table
	nextEphPort uint16
}

func NewTable(udpTable *udp.Table, tcpTable *tcp.Table) *Table {
	return &Table{udp: udpTable, tcpt: tcpTable, nextEphPort: firstEphemeralPort}
}

// Socket allocates fd of the given kind, unbound.
func (t *Table) Socket(kind Kind) (int, common.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if !t.entries[i].inUse {
			t.entries[i] = socket{inUse: true, kind: kind}
			return i, 0
		}
	}
	return -1, common.EMFILE
}

func (t *Table) get(fd int) (*socket, common.Errno) {
	if fd < 0 || fd >= MaxSockets || !t.entries[fd].inUse {
		return nil, common.EINVAL
	}
	return &t.entries[fd], 0
}

// Bind reserves port for fd. A datagram socket's bind reserves the
// underlying UDP table slot immediately; a stream socket just records
// the port for the Listen/Connect that follows.
func (t *Table) Bind(fd int, port uint16) common.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, errno := t.get(fd)
	if errno != 0 {
		return errno
	}
	if s.kind == KindDgram {
		slot, errno := t.udp.Bind(port)
		if errno != 0 {
			return errno
		}
		s.udpSlot = slot
	}
	s.boundPort = port
	return 0
}

// Listen puts a stream socket into the listening state.
func (t *Table) Listen(fd int) common.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, errno := t.get(fd)
	if errno != 0 {
		return errno
	}
	if s.kind != KindStream {
		return common.EINVAL
	}
	l, errno := t.tcpt.Listen(s.boundPort)
	if errno != 0 {
		return errno
	}
	s.tcb = l
	s.listening = true
	return 0
}

// Accept dequeues the listening socket's single pending connection into
// a freshly allocated socket fd, or EAGAIN if none has completed its
// handshake yet.
func (t *Table) Accept(fd int) (int, common.Errno) {
	t.mu.Lock()
	s, errno := t.get(fd)
	if errno != 0 {
		t.mu.Unlock()
		return -1, errno
	}
	if s.kind != KindStream || !s.listening {
		t.mu.Unlock()
		return -1, common.EINVAL
	}
	listener := s.tcb
	t.mu.Unlock()

	conn, errno := t.tcpt.Accept(listener)
	if errno != 0 {
		return -1, errno
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if !t.entries[i].inUse {
			t.entries[i] = socket{inUse: true, kind: KindStream, tcb: conn}
			return i, 0
		}
	}
	return -1, common.EMFILE
}

// Connect performs an active open on a stream socket, assigning an
// ephemeral local port if the socket was never bound.
func (t *Table) Connect(fd int, remoteIP net.IP, remotePort uint16) common.Errno {
	t.mu.Lock()
	s, errno := t.get(fd)
	if errno != 0 {
		t.mu.Unlock()
		return errno
	}
	if s.kind != KindStream {
		t.mu.Unlock()
		return common.EINVAL
	}
	localPort := s.boundPort
	if localPort == 0 {
		localPort = t.nextEphPort
		t.nextEphPort++
	}
	t.mu.Unlock()

	conn, errno := t.tcpt.Connect(remoteIP, remotePort, localPort)
	if errno != 0 {
		return errno
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, errno = t.get(fd)
	if errno != 0 {
		return errno
	}
	s.boundPort = localPort
	s.tcb = conn
	return 0
}

// Send writes to a stream socket's tx ring (flushing immediately).
func (t *Table) Send(fd int, data []byte) (int, common.Errno) {
	s, errno := t.streamSocket(fd)
	if errno != 0 {
		return 0, errno
	}
	return t.tcpt.Send(s.tcb, data)
}

// Recv reads from a stream socket's rx ring.
func (t *Table) Recv(fd int, buf []byte) (int, common.Errno) {
	s, errno := t.streamSocket(fd)
	if errno != 0 {
		return 0, errno
	}
	return t.tcpt.Recv(s.tcb, buf)
}

// SendTo sends a datagram on a bound dgram socket.
func (t *Table) SendTo(fd int, dst net.IP, dstPort uint16, data []byte) (int, common.Errno) {
	s, errno := t.dgramSocket(fd)
	if errno != 0 {
		return 0, errno
	}
	return t.udp.Send(s.udpSlot, dst, dstPort, data)
}

// RecvFrom reads a datagram off a bound dgram socket, per net/udp's
// absolute-deadline/EAGAIN/ETIMEDOUT contract.
func (t *Table) RecvFrom(fd int, buf []byte, deadlineMs int64) (int, net.IP, uint16, common.Errno) {
	s, errno := t.dgramSocket(fd)
	if errno != 0 {
		return 0, nil, 0, errno
	}
	return t.udp.Recv(s.udpSlot, buf, deadlineMs)
}

func (t *Table) streamSocket(fd int) (socket, common.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, errno := t.get(fd)
	if errno != 0 {
		return socket{}, errno
	}
	if s.kind != KindStream || s.tcb == nil {
		return socket{}, common.ENOTCONN
	}
	return *s, 0
}

func (t *Table) dgramSocket(fd int) (socket, common.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, errno := t.get(fd)
	if errno != 0 {
		return socket{}, errno
	}
	if s.kind != KindDgram {
		return socket{}, common.EINVAL
	}
	return *s, 0
}

// Close releases fd's resources: a stream socket starts the active
// close on its TCB, a dgram socket unbinds its UDP slot.
func (t *Table) Close(fd int) common.Errno {
	t.mu.Lock()
	s, errno := t.get(fd)
	if errno != 0 {
		t.mu.Unlock()
		return errno
	}
	kind, tcb, udpSlot, listening := s.kind, s.tcb, s.udpSlot, s.listening
	t.entries[fd] = socket{}
	t.mu.Unlock()

	if kind == KindStream && tcb != nil && !listening {
		t.tcpt.Close(tcb)
	}
	if kind == KindDgram {
		t.udp.Unbind(udpSlot)
	}
	return 0
}
