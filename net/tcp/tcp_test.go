package tcp

import (
	"net"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernivani/imposos/common"
)

type fakeIP struct {
	mu   sync.Mutex
	sent []*layers.TCP
}

func (f *fakeIP) SendTransport(dst net.IP, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) common.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	seg := transport.(*layers.TCP)
	cp := *seg
	cp.Payload = append([]byte(nil), payload...)
	f.sent = append(f.sent, &cp)
	return 0
}

func (f *fakeIP) last() *layers.TCP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeIP) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(ms int64) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

var peerIP = net.IPv4(10, 0, 0, 2)

func segFrom(seq, ack uint32, syn, ackFlag, fin, rst bool, payload []byte) *layers.TCP {
	return &layers.TCP{
		SrcPort: 443, DstPort: 5000,
		Seq: seq, Ack: ack, SYN: syn, ACK: ackFlag, FIN: fin, RST: rst,
		DataOffset: 5, BaseLayer: layers.BaseLayer{Payload: payload},
	}
}

func TestConnectSendsInitialSyn(t *testing.T) {
	ip := &fakeIP{}
	clock := &fakeClock{}
	table := NewTable(testLogger(), ip, clock)

	c, errno := table.Connect(peerIP, 443, 5000)
	require.Zero(t, errno)
	assert.Equal(t, StateSynSent, c.State())
	require.Equal(t, 1, ip.count())
	assert.True(t, ip.last().SYN)
	assert.False(t, ip.last().ACK)
}

func TestActiveOpenHandshakeCompletes(t *testing.T) {
	ip := &fakeIP{}
	clock := &fakeClock{}
	table := NewTable(testLogger(), ip, clock)

	c, errno := table.Connect(peerIP, 443, 5000)
	require.Zero(t, errno)
	syn := ip.last()

	synAck := segFrom(9000, syn.Seq+1, true, true, false, false, nil)
	table.HandleTCP(peerIP, encode(t, synAck))

	assert.Equal(t, StateEstablished, c.State())
	last := ip.last()
	assert.True(t, last.ACK)
	assert.False(t, last.SYN)
	assert.Equal(t, syn.Seq+1, last.Seq)
	assert.Equal(t, uint32(9001), last.Ack)
}

func TestPassiveOpenAcceptFlow(t *testing.T) {
	ip := &fakeIP{}
	clock := &fakeClock{}
	table := NewTable(testLogger(), ip, clock)

	l, errno := table.Listen(5000)
	require.Zero(t, errno)

	syn := segFrom(1000, 0, true, false, false, false, nil)
	table.HandleTCP(peerIP, encode(t, syn))
	require.Equal(t, 1, ip.count())
	synAck := ip.last()
	assert.True(t, synAck.SYN)
	assert.True(t, synAck.ACK)
	assert.Equal(t, uint32(1001), synAck.Ack)

	_, errno = table.Accept(l)
	assert.Equal(t, common.EAGAIN, errno, "handshake isn't finished yet")

	finalAck := segFrom(1001, synAck.Seq+1, false, true, false, false, nil)
	table.HandleTCP(peerIP, encode(t, finalAck))

	conn, errno := table.Accept(l)
	require.Zero(t, errno)
	assert.Equal(t, StateEstablished, conn.State())
}

func TestPassiveOpenRejectsSecondSynWhileBacklogFull(t *testing.T) {
	ip := &fakeIP{}
	table := NewTable(testLogger(), ip, &fakeClock{})
	l, errno := table.Listen(5000)
	require.Zero(t, errno)

	completeHandshake := func(remotePort uint16) {
		syn := segFrom(1000, 0, true, false, false, false, nil)
		syn.SrcPort = layers.TCPPort(remotePort)
		table.HandleTCP(peerIP, encode(t, syn))
		synAck := ip.last()
		finalAck := segFrom(1001, synAck.Seq+1, false, true, false, false, nil)
		finalAck.SrcPort = layers.TCPPort(remotePort)
		table.HandleTCP(peerIP, encode(t, finalAck))
	}

	completeHandshake(6000)
	completeHandshake(6001)

	_, errno = table.Accept(l)
	require.Zero(t, errno)
	_, errno = table.Accept(l)
	assert.Equal(t, common.EAGAIN, errno, "second connection must have been dropped, backlog is one deep")
}

func establishedPair(t *testing.T) (*Table, *fakeIP, *fakeClock, *TCB) {
	t.Helper()
	ip := &fakeIP{}
	clock := &fakeClock{}
	table := NewTable(testLogger(), ip, clock)
	c, errno := table.Connect(peerIP, 443, 5000)
	require.Zero(t, errno)
	syn := ip.last()
	synAck := segFrom(9000, syn.Seq+1, true, true, false, false, nil)
	table.HandleTCP(peerIP, encode(t, synAck))
	require.Equal(t, StateEstablished, c.State())
	return table, ip, clock, c
}

func TestSendAndRecv(t *testing.T) {
	table, ip, _, c := establishedPair(t)

	n, errno := table.Send(c, []byte("hello"))
	require.Zero(t, errno)
	assert.Equal(t, 5, n)
	last := ip.last()
	assert.Equal(t, "hello", string(last.Payload))

	incoming := segFrom(9001, last.Seq+uint32(n), false, true, false, false, []byte("world"))
	table.HandleTCP(peerIP, encode(t, incoming))

	buf := make([]byte, 16)
	n, errno = table.Recv(c, buf)
	require.Zero(t, errno)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestRecvEmptyReturnsEAGAIN(t *testing.T) {
	table, _, _, c := establishedPair(t)
	_, errno := table.Recv(c, make([]byte, 16))
	assert.Equal(t, common.EAGAIN, errno)
}

func TestActiveCloseReachesTimeWait(t *testing.T) {
	table, ip, _, c := establishedPair(t)

	errno := table.Close(c)
	require.Zero(t, errno)
	assert.Equal(t, StateFinWait1, c.State())
	fin := ip.last()
	assert.True(t, fin.FIN)

	finAck := segFrom(9001, fin.Seq+1, false, true, false, false, nil)
	table.HandleTCP(peerIP, encode(t, finAck))
	assert.Equal(t, StateFinWait2, c.State())

	peerFin := segFrom(9001, fin.Seq+1, false, true, true, false, nil)
	table.HandleTCP(peerIP, encode(t, peerFin))
	assert.Equal(t, StateTimeWait, c.State())
}

func TestRetransmissionDoublesRTOThenTearsDown(t *testing.T) {
	ip := &fakeIP{}
	clock := &fakeClock{}
	table := NewTable(testLogger(), ip, clock)

	c, errno := table.Connect(peerIP, 443, 5000)
	require.Zero(t, errno)
	require.Equal(t, 1, ip.count())

	rto := int64(initialRTOMs)
	for i := 0; i < MaxRetries; i++ {
		clock.advance(rto + 1)
		table.Tick(clock.NowMs())
		rto *= 2
	}
	assert.Equal(t, StateSynSent, c.State(), "not yet at the final retry")
	assert.Equal(t, 1+MaxRetries, ip.count())

	clock.advance(rto + 1)
	table.Tick(clock.NowMs())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, common.ECONNRESET, c.errOr(0))
}

func TestRSTTearsDownConnection(t *testing.T) {
	table, _, _, c := establishedPair(t)
	rst := segFrom(9001, 0, false, false, false, true, nil)
	table.HandleTCP(peerIP, encode(t, rst))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, common.ECONNRESET, c.errOr(0))
}

func encode(t *testing.T, seg *layers.TCP) []byte {
	t.Helper()
	payload := seg.Payload
	seg.BaseLayer = layers.BaseLayer{}
	buf := gopacket.NewSerializeBuffer()
	var layerList []gopacket.SerializableLayer
	layerList = append(layerList, seg)
	if len(payload) > 0 {
		layerList = append(layerList, gopacket.Payload(payload))
	}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, layerList...))
	return buf.Bytes()
}
