package tcp

import (
	"net"
	"sync"

	"github.com/ernivani/imposos/common"
)

// State is one of the eleven RFC 793 connection states this kernel's
// TCP implements.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateTimeWait
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// TCB is one transmission control block: a listener (state ==
// StateListen, holding at most one unaccepted completed connection in
// pending) or a connection.
//
// Sequence space: data bytes queued in tx/rx occupy offsets starting
// right after the connection's initial sequence number, so a data
// offset converts to a wire sequence number via iss+1+offset (dataSeq)
// and back via the inverse. SYN and FIN each consume exactly one
// sequence number of their own, tracked by synAcked/finSent/finAcked
// rather than folded into the ring.
type TCB struct {
	mu sync.Mutex

	state      State
	localPort  uint16
	remotePort uint16
	remoteIP   net.IP

	iss uint32
	irs uint32

	synAcked  bool
	finQueued bool // Close() requested; FIN goes out once tx drains
	finSent   bool
	finAcked  bool

	peerFin bool
	rcvNxt  uint32

	tx txRing
	rx rxRing

	rto      int64
	lastSend int64
	retries  int

	pending *TCB         // only meaningful on a listener TCB
	err     common.Errno // sticky error surfaced once the TCB has torn down
}

func (c *TCB) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *TCB) dataSeq(offset uint32) uint32 { return c.iss + 1 + offset }
func (c *TCB) finSeq() uint32               { return c.iss + 1 + c.tx.end }

func (c *TCB) errOr(def common.Errno) common.Errno {
	if c.err != 0 {
		return c.err
	}
	return def
}
