package arp

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

// fakeWire collects frames sent via SendFrame so tests can inspect them,
// and can hand a frame straight back into a Cache to simulate a reply
// arriving on the wire.
type fakeWire struct {
	mu   sync.Mutex
	sent []sentFrame
}

type sentFrame struct {
	dst   net.HardwareAddr
	frame []byte
}

func (w *fakeWire) SendFrame(dst net.HardwareAddr, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, sentFrame{dst: dst, frame: frame})
	return nil
}

func (w *fakeWire) last() sentFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent[len(w.sent)-1]
}

func (w *fakeWire) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

var (
	localIP   = net.IPv4(10, 0, 0, 1)
	localMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerIP    = net.IPv4(10, 0, 0, 2)
	peerMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func replyFrame(t *testing.T, from net.IP, fromMAC net.HardwareAddr, to net.IP) []byte {
	t.Helper()
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   fromMAC,
		SourceProtAddress: from.To4(),
		DstHwAddress:      localMAC,
		DstProtAddress:    to.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, arp))
	return buf.Bytes()
}

func requestFrame(t *testing.T, from net.IP, fromMAC net.HardwareAddr, to net.IP) []byte {
	t.Helper()
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   fromMAC,
		SourceProtAddress: from.To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    to.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, arp))
	return buf.Bytes()
}

func TestResolveColdCacheSendsBroadcastAndReturnsEAGAIN(t *testing.T) {
	w := &fakeWire{}
	c := NewCache(testLogger(), localIP, localMAC, w)

	mac, errno := c.Resolve(peerIP)
	assert.Nil(t, mac)
	assert.Equal(t, common.EAGAIN, errno)
	require.Equal(t, 1, w.count())

	sent := w.last()
	assert.Equal(t, net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, sent.dst)

	pkt := gopacket.NewPacket(sent.frame, layers.LayerTypeARP, gopacket.NoCopy)
	a := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	assert.Equal(t, layers.ARPRequest, layers.ARPOperation(a.Operation))
	assert.Equal(t, []byte(peerIP.To4()), a.DstProtAddress)
}

func TestResolveStillPendingDoesNotResendRequest(t *testing.T) {
	w := &fakeWire{}
	c := NewCache(testLogger(), localIP, localMAC, w)

	_, errno := c.Resolve(peerIP)
	require.Equal(t, common.EAGAIN, errno)
	require.Equal(t, 1, w.count())

	_, errno = c.Resolve(peerIP)
	assert.Equal(t, common.EAGAIN, errno)
	assert.Equal(t, 1, w.count(), "a pending entry must not trigger a second broadcast")
}

func TestHandleFrameReplyResolvesSubsequentLookup(t *testing.T) {
	w := &fakeWire{}
	c := NewCache(testLogger(), localIP, localMAC, w)

	_, errno := c.Resolve(peerIP)
	require.Equal(t, common.EAGAIN, errno)

	c.HandleFrame(replyFrame(t, peerIP, peerMAC, localIP))

	mac, errno := c.Resolve(peerIP)
	require.Zero(t, errno)
	assert.Equal(t, net.HardwareAddr(peerMAC), mac)
}

func TestHandleFrameRequestAddressedToUsSendsReply(t *testing.T) {
	w := &fakeWire{}
	c := NewCache(testLogger(), localIP, localMAC, w)

	c.HandleFrame(requestFrame(t, peerIP, peerMAC, localIP))

	require.Equal(t, 1, w.count())
	sent := w.last()
	assert.Equal(t, net.HardwareAddr(peerMAC), sent.dst)

	pkt := gopacket.NewPacket(sent.frame, layers.LayerTypeARP, gopacket.NoCopy)
	a := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	assert.Equal(t, layers.ARPReply, layers.ARPOperation(a.Operation))
	assert.Equal(t, []byte(localIP.To4()), a.SourceProtAddress)
	assert.Equal(t, []byte(peerIP.To4()), a.DstProtAddress)
}

func TestHandleFrameRequestNotAddressedToUsIsIgnored(t *testing.T) {
	w := &fakeWire{}
	c := NewCache(testLogger(), localIP, localMAC, w)

	other := net.IPv4(10, 0, 0, 99)
	c.HandleFrame(requestFrame(t, peerIP, peerMAC, other))

	assert.Equal(t, 0, w.count(), "a request for someone else's address must not be answered")
}

func TestCacheFullOverwritesSlotZero(t *testing.T) {
	w := &fakeWire{}
	c := NewCache(testLogger(), localIP, localMAC, w)

	for i := 0; i < MaxEntries; i++ {
		ip := net.IPv4(10, 0, 1, byte(i))
		mac := net.HardwareAddr{0x02, 0, 0, 0, 0, byte(i)}
		c.HandleFrame(replyFrame(t, ip, mac, localIP))
	}
	for i := 0; i < MaxEntries; i++ {
		assert.Equal(t, stateResolved, c.entries[i].state)
	}
	firstIP := toIP4(net.IPv4(10, 0, 1, 0))
	assert.Equal(t, firstIP, c.entries[0].ip)

	overflowIP := net.IPv4(10, 0, 2, 1)
	overflowMAC := net.HardwareAddr{0x02, 0, 0, 0, 1, 0}
	c.HandleFrame(replyFrame(t, overflowIP, overflowMAC, localIP))

	assert.Equal(t, toIP4(overflowIP), c.entries[0].ip, "cache-full policy overwrites slot 0")
	for i := 1; i < MaxEntries; i++ {
		assert.NotEqual(t, toIP4(overflowIP), c.entries[i].ip)
	}
}

func TestResolveExpiredEntryResendsRequest(t *testing.T) {
	w := &fakeWire{}
	c := NewCache(testLogger(), localIP, localMAC, w)

	c.HandleFrame(replyFrame(t, peerIP, peerMAC, localIP))
	i := c.findSlot(toIP4(peerIP))
	require.GreaterOrEqual(t, i, 0)
	c.entries[i].expiresAt = c.entries[i].expiresAt.Add(-2 * TTL)

	mac, errno := c.Resolve(peerIP)
	assert.Nil(t, mac)
	assert.Equal(t, common.EAGAIN, errno)
	assert.Equal(t, 1, w.count(), "expiry must trigger a fresh broadcast request")
}
