// Package arp implements a fixed-capacity ARP cache: resolving an IPv4
// address to a hardware address, sending broadcast requests for misses,
// and answering/ingesting requests and replies seen on the wire.
package arp

import (
	"net"
	"sync"
	"time"

	"github.com/ernivani/imposos/common"
	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// MaxEntries bounds the cache the way a real ARP table is a small
	// fixed array, not a growable map.
	MaxEntries = 16
	TTL        = 300 * time.Second
)

type state int

const (
	stateEmpty state = iota
	statePending
	stateResolved
)

type entry struct {
	ip        [4]byte
	mac       [6]byte
	state     state
	expiresAt time.Time
}

// Frames is the link-layer send hook a Cache uses to transmit request
// and reply frames; a real driver or a test double both satisfy it.
type Frames interface {
	SendFrame(dst net.HardwareAddr, frame []byte) error
}

// Cache is the ARP table for one interface.
type Cache struct {
	mu sync.Mutex

	entries  [MaxEntries]entry
	localIP  [4]byte
	localMAC [6]byte
	frames   Frames
	log      logr.Logger
}

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func NewCache(log logr.Logger, localIP net.IP, localMAC net.HardwareAddr, frames Frames) *Cache {
	c := &Cache{frames: frames, log: log}
	copy(c.localIP[:], localIP.To4())
	copy(c.localMAC[:], localMAC)
	return c
}

func toIP4(ip net.IP) [4]byte {
	var out [4]byte
	copy(out[:], ip.To4())
	return out
}

// findSlot returns the index of an entry matching ip, or -1.
func (c *Cache) findSlot(ip [4]byte) int {
	for i := range c.entries {
		if c.entries[i].state != stateEmpty && c.entries[i].ip == ip {
			return i
		}
	}
	return -1
}

// allocSlot returns the slot already matching ip, or else an empty slot,
// or (per the spec's exact cache-full policy, not upgraded to LRU) slot 0
// if the table is full and nothing else matches.
func (c *Cache) allocSlot(ip [4]byte) int {
	if i := c.findSlot(ip); i >= 0 {
		return i
	}
	for i := range c.entries {
		if c.entries[i].state == stateEmpty {
			return i
		}
	}
	return 0
}

// Resolve returns the cached hardware address for ip, or sends a
// broadcast ARP request and returns EAGAIN ("in flight") if there is no
// fresh cache entry yet.
func (c *Cache) Resolve(ip net.IP) (net.HardwareAddr, common.Errno) {
	key := toIP4(ip)
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.findSlot(key); i >= 0 {
		e := &c.entries[i]
		if e.state == stateResolved && time.Now().Before(e.expiresAt) {
			mac := make(net.HardwareAddr, 6)
			copy(mac, e.mac[:])
			return mac, 0
		}
		if e.state == statePending {
			return nil, common.EAGAIN
		}
	}

	i := c.allocSlot(key)
	c.entries[i] = entry{ip: key, state: statePending}
	if err := c.sendRequest(key); err != nil {
		c.log.Error(err, "failed to send ARP request")
	}
	return nil, common.EAGAIN
}

func (c *Cache) sendRequest(target [4]byte) error {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   c.localMAC[:],
		SourceProtAddress: c.localIP[:],
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    target[:],
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, arp); err != nil {
		return err
	}
	return c.frames.SendFrame(broadcastMAC, buf.Bytes())
}

// HandleFrame ingests a received ARP frame: a reply updates the cache; a
// request addressed to us generates a reply.
func (c *Cache) HandleFrame(frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeARP, gopacket.NoCopy)
	layer := pkt.Layer(layers.LayerTypeARP)
	if layer == nil {
		return
	}
	a := layer.(*layers.ARP)

	var src [4]byte
	copy(src[:], a.SourceProtAddress)
	var srcMAC [6]byte
	copy(srcMAC[:], a.SourceHwAddress)

	c.mu.Lock()
	i := c.allocSlot(src)
	c.entries[i] = entry{ip: src, mac: srcMAC, state: stateResolved, expiresAt: time.Now().Add(TTL)}
	c.mu.Unlock()

	if a.Operation != layers.ARPRequest {
		return
	}
	var target [4]byte
	copy(target[:], a.DstProtAddress)
	if target != c.localIP {
		return
	}
	c.reply(srcMAC, src)
}

func (c *Cache) reply(dstMAC [6]byte, dstIP [4]byte) {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   c.localMAC[:],
		SourceProtAddress: c.localIP[:],
		DstHwAddress:      dstMAC[:],
		DstProtAddress:    dstIP[:],
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, arp); err != nil {
		c.log.Error(err, "failed to serialize ARP reply")
		return
	}
	if err := c.frames.SendFrame(net.HardwareAddr(dstMAC[:]), buf.Bytes()); err != nil {
		c.log.Error(err, "failed to send ARP reply")
	}
}
