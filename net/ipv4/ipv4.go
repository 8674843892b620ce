// Package ipv4 implements IPv4 send/receive and ICMP echo over an
// Ethernet link: filling and checksumming headers, resolving the next
// hop via net/arp (with gateway lookup for off-subnet destinations),
// and dispatching received payloads by protocol number to UDP/TCP.
package ipv4

import (
	"net"
	"sync"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/net/arp"
	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Frames is the link-layer send hook, the same seam net/arp.Frames
// plays for ARP frames.
type Frames interface {
	SendFrame(dst net.HardwareAddr, frame []byte) error
}

// Demux receives a transport-layer payload once the IPv4 header has
// been stripped off, keyed by the originating address.
type Demux interface {
	HandleUDP(src net.IP, payload []byte)
	HandleTCP(src net.IP, payload []byte)
}

// Pinger is notified of ICMP echo replies addressed to us, the delivery
// side of a blocked ping.
type Pinger interface {
	HandleEchoReply(src net.IP, id, seq uint16, payload []byte)
}

// Interface is a single simulated NIC: one IPv4 address, one hardware
// address, one route table.
type Interface struct {
	mu sync.Mutex

	localIP  net.IP
	localMAC net.HardwareAddr
	router   *Router
	arp      *arp.Cache
	frames   Frames
	demux    Demux
	pinger   Pinger
	log      logr.Logger

	ident uint16
}

func NewInterface(log logr.Logger, localIP net.IP, localMAC net.HardwareAddr, router *Router, cache *arp.Cache, frames Frames, demux Demux, pinger Pinger) *Interface {
	return &Interface{
		localIP: localIP.To4(), localMAC: localMAC, router: router,
		arp: cache, frames: frames, demux: demux, pinger: pinger, log: log,
	}
}

var serializeOpts = gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

// Send transmits payload as the body of an IPv4 datagram of the given
// protocol. The caller must already have put any transport-layer
// checksum in payload; use SendTransport when the transport layer's
// checksum needs the IP pseudo-header (UDP, TCP).
func (ifc *Interface) Send(dst net.IP, proto layers.IPProtocol, payload []byte) common.Errno {
	return ifc.send(dst, proto, nil, payload)
}

// SendTransport serializes transport on top of a freshly built IPv4
// header, first wiring transport's checksum to that header's
// pseudo-header fields when transport supports it (UDP and TCP both do).
func (ifc *Interface) SendTransport(dst net.IP, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) common.Errno {
	return ifc.send(dst, proto, transport, payload)
}

func (ifc *Interface) send(dst net.IP, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) common.Errno {
	nexthop := dst
	if ifc.router.NeedsGateway(dst) {
		nexthop = ifc.router.Gateway()
	}
	mac, errno := ifc.arp.Resolve(nexthop)
	if errno != 0 {
		return errno
	}

	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: proto,
		SrcIP:    ifc.localIP,
		DstIP:    dst.To4(),
	}

	layerList := []gopacket.SerializableLayer{
		&layers.Ethernet{SrcMAC: ifc.localMAC, DstMAC: mac, EthernetType: layers.EthernetTypeIPv4},
		ip,
	}
	if transport != nil {
		if cksum, ok := transport.(interface {
			SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
		}); ok {
			if err := cksum.SetNetworkLayerForChecksum(ip); err != nil {
				return common.EIO
			}
		}
		layerList = append(layerList, transport)
	}
	if len(payload) > 0 {
		layerList = append(layerList, gopacket.Payload(payload))
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, layerList...); err != nil {
		return common.EIO
	}
	if err := ifc.frames.SendFrame(mac, buf.Bytes()); err != nil {
		return common.EIO
	}
	return 0
}

// HandleFrame parses a received Ethernet frame and dispatches its IPv4
// payload by protocol number. Frames not addressed to us are dropped;
// there is no promiscuous mode.
func (ifc *Interface) HandleFrame(frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)
	if !ip.DstIP.Equal(ifc.localIP) {
		return
	}

	switch ip.Protocol {
	case layers.IPProtocolICMPv4:
		ifc.handleICMP(ip, pkt)
	case layers.IPProtocolUDP:
		if ifc.demux != nil {
			ifc.demux.HandleUDP(ip.SrcIP, ip.Payload)
		}
	case layers.IPProtocolTCP:
		if ifc.demux != nil {
			ifc.demux.HandleTCP(ip.SrcIP, ip.Payload)
		}
	}
}

func (ifc *Interface) handleICMP(ip *layers.IPv4, pkt gopacket.Packet) {
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return
	}
	icmp := icmpLayer.(*layers.ICMPv4)
	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoRequest:
		ifc.sendICMP(ip.SrcIP, layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0), icmp.Id, icmp.Seq, icmp.Payload)
	case layers.ICMPv4TypeEchoReply:
		if ifc.pinger != nil {
			ifc.pinger.HandleEchoReply(ip.SrcIP, icmp.Id, icmp.Seq, icmp.Payload)
		}
	}
}

// SendEchoRequest issues a ping: the reply, if any, arrives later via
// Pinger.HandleEchoReply.
func (ifc *Interface) SendEchoRequest(dst net.IP, seq uint16, payload []byte) common.Errno {
	ifc.mu.Lock()
	ifc.ident++
	id := ifc.ident
	ifc.mu.Unlock()
	return ifc.sendICMP(dst, layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), id, seq, payload)
}

func (ifc *Interface) sendICMP(dst net.IP, tc layers.ICMPv4TypeCode, id, seq uint16, payload []byte) common.Errno {
	icmp := &layers.ICMPv4{TypeCode: tc, Id: id, Seq: seq}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true}, icmp, gopacket.Payload(payload)); err != nil {
		return common.EIO
	}
	return ifc.Send(dst, layers.IPProtocolICMPv4, buf.Bytes())
}
