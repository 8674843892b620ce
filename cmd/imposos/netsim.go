package main

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/crypto/prng"
	"github.com/ernivani/imposos/net/arp"
	"github.com/ernivani/imposos/net/ipv4"
	"github.com/ernivani/imposos/net/socket"
	"github.com/ernivani/imposos/net/tcp"
	"github.com/ernivani/imposos/net/udp"
	"github.com/ernivani/imposos/tlsclient"
)

// simClock is the shared simulated wall clock net/udp and net/tcp measure
// their deadlines and retransmission timers against; netsim advances it
// explicitly rather than sleeping real time.
type simClock struct{ ms int64 }

func (c *simClock) NowMs() int64     { return c.ms }
func (c *simClock) Advance(ms int64) { c.ms += ms }

// Ticks satisfies crypto/prng.Ticker so the TLS scenario can seed a
// pool without touching the host's real entropy sources.
func (c *simClock) Ticks() uint64 { return uint64(c.ms) }

// link is the Ethernet-layer send hook shared by a host's ARP cache and
// IPv4 interface: it hands the frame straight to the peer host's demux
// rather than simulating a wire with queueing or loss, a loopback the
// way net/arp and net/ipv4's own tests wire two interfaces together.
type link struct {
	peer *host
}

func (l *link) SendFrame(dst net.HardwareAddr, frame []byte) error {
	if l.peer == nil || len(frame) < 14 {
		return nil
	}
	switch binary.BigEndian.Uint16(frame[12:14]) {
	case uint16(layers.EthernetTypeARP):
		l.peer.arpCache.HandleFrame(frame)
	case uint16(layers.EthernetTypeIPv4):
		l.peer.iface.HandleFrame(frame)
	}
	return nil
}

// demux fans a received IPv4 payload out to this host's UDP or TCP table
// by protocol, the seam ipv4.Interface expects of anything it delivers to.
type demux struct {
	udp *udp.Table
	tcp *tcp.Table
}

func (d *demux) HandleUDP(src net.IP, payload []byte) { d.udp.HandleUDP(src, payload) }
func (d *demux) HandleTCP(src net.IP, payload []byte) { d.tcp.HandleTCP(src, payload) }

// ifaceSender adapts a not-yet-built ipv4.Interface to udp.Table/tcp.Table's
// IPSender seam: both tables need a sender at construction time but the
// interface needs the tables first (for its Demux), so this indirection
// breaks the cycle.
type ifaceSender struct{ iface *ipv4.Interface }

func (s *ifaceSender) SendTransport(dst net.IP, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) common.Errno {
	return s.iface.SendTransport(dst, proto, transport, payload)
}

// host is one simulated machine on the loopback link: its own address,
// ARP cache, IPv4 interface, transport tables, and the socket table user
// code would actually call through.
type host struct {
	name     string
	ip       net.IP
	mac      net.HardwareAddr
	clock    *simClock
	arpCache *arp.Cache
	iface    *ipv4.Interface
	udpTable *udp.Table
	tcpTable *tcp.Table
	sockets  *socket.Table
	link     *link
}

func newHost(log logr.Logger, name string, ip net.IP, mac net.HardwareAddr) *host {
	clock := &simClock{}
	l := &link{}
	h := &host{name: name, ip: ip, mac: mac, clock: clock, link: l}

	h.arpCache = arp.NewCache(log.WithValues("host", name), ip, mac, l)
	router, err := ipv4.NewRouter(&net.IPNet{IP: ip.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}, nil)
	if err != nil {
		log.Error(err, "failed to build router", "host", name)
	}
	sender := &ifaceSender{}
	h.udpTable = udp.NewTable(log.WithValues("host", name, "proto", "udp"), sender, clock)
	h.tcpTable = tcp.NewTable(log.WithValues("host", name, "proto", "tcp"), sender, clock)
	h.iface = ipv4.NewInterface(log.WithValues("host", name), ip, mac, router, h.arpCache, l, &demux{udp: h.udpTable, tcp: h.tcpTable}, nil)
	sender.iface = h.iface
	h.sockets = socket.NewTable(h.udpTable, h.tcpTable)
	return h
}

func newNetsimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "netsim",
		Short: "Drive loopback UDP, TCP, and TLS scenarios between two simulated hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNetsim()
		},
	}
}

func runNetsim() error {
	log := rootLog.WithName("netsim")

	alice := newHost(log, "alice", net.IPv4(10, 0, 0, 1), net.HardwareAddr{0x02, 0, 0, 0, 0, 1})
	bob := newHost(log, "bob", net.IPv4(10, 0, 0, 2), net.HardwareAddr{0x02, 0, 0, 0, 0, 2})
	alice.link.peer = bob
	bob.link.peer = alice

	if err := runUDPScenario(log, alice, bob); err != nil {
		return fmt.Errorf("udp scenario: %w", err)
	}
	fmt.Println("udp loopback: OK")

	if err := runTCPScenario(log, alice, bob); err != nil {
		return fmt.Errorf("tcp scenario: %w", err)
	}
	fmt.Println("tcp loopback: OK")

	if err := runTLSScenario(log, alice, bob); err != nil {
		return fmt.Errorf("tls scenario: %w", err)
	}
	fmt.Println("tls clienthello over tcp: OK")

	return nil
}

const maxDriveAttempts = 64

func runUDPScenario(log logr.Logger, alice, bob *host) error {
	serverFd, errno := bob.sockets.Socket(socket.KindDgram)
	if errno != 0 {
		return fmt.Errorf("server socket: %v", errno)
	}
	if errno := bob.sockets.Bind(serverFd, 9000); errno != 0 {
		return fmt.Errorf("server bind: %v", errno)
	}

	clientFd, errno := alice.sockets.Socket(socket.KindDgram)
	if errno != 0 {
		return fmt.Errorf("client socket: %v", errno)
	}
	if errno := alice.sockets.Bind(clientFd, 9001); errno != 0 {
		return fmt.Errorf("client bind: %v", errno)
	}

	want := []byte("hello from alice")
	if _, errno := alice.sockets.SendTo(clientFd, bob.ip, 9000, want); errno != 0 {
		return fmt.Errorf("sendto: %v", errno)
	}

	buf := make([]byte, 512)
	var got []byte
	for i := 0; i < maxDriveAttempts; i++ {
		n, _, _, errno := bob.sockets.RecvFrom(serverFd, buf, bob.clock.NowMs())
		if errno == 0 && n > 0 {
			got = append([]byte{}, buf[:n]...)
			break
		}
		if errno != common.EAGAIN && errno != common.ETIMEDOUT {
			return fmt.Errorf("recvfrom: %v", errno)
		}
		bob.clock.Advance(10)
		alice.clock.Advance(10)
	}
	if string(got) != string(want) {
		return fmt.Errorf("datagram round trip got %q, want %q", got, want)
	}
	return nil
}

func runTCPScenario(log logr.Logger, alice, bob *host) error {
	listenFd, errno := bob.sockets.Socket(socket.KindStream)
	if errno != 0 {
		return fmt.Errorf("listen socket: %v", errno)
	}
	if errno := bob.sockets.Bind(listenFd, 7000); errno != 0 {
		return fmt.Errorf("bind: %v", errno)
	}
	if errno := bob.sockets.Listen(listenFd); errno != 0 {
		return fmt.Errorf("listen: %v", errno)
	}

	clientFd, errno := alice.sockets.Socket(socket.KindStream)
	if errno != 0 {
		return fmt.Errorf("client socket: %v", errno)
	}
	if errno := alice.sockets.Connect(clientFd, bob.ip, 7000); errno != 0 {
		return fmt.Errorf("connect: %v", errno)
	}

	var connFd int
	for i := 0; i < maxDriveAttempts; i++ {
		connFd, errno = bob.sockets.Accept(listenFd)
		if errno == 0 {
			break
		}
		if errno != common.EAGAIN {
			return fmt.Errorf("accept: %v", errno)
		}
		tickBoth(alice, bob, 10)
	}
	if errno != 0 {
		return fmt.Errorf("connection never completed its handshake")
	}

	want := []byte("hello over tcp")
	if _, errno := alice.sockets.Send(clientFd, want); errno != 0 {
		return fmt.Errorf("send: %v", errno)
	}

	buf := make([]byte, 512)
	var got []byte
	for i := 0; i < maxDriveAttempts; i++ {
		n, errno := bob.sockets.Recv(connFd, buf)
		if errno == 0 && n > 0 {
			got = append([]byte{}, buf[:n]...)
			break
		}
		if errno != 0 && errno != common.EAGAIN {
			return fmt.Errorf("recv: %v", errno)
		}
		tickBoth(alice, bob, 10)
	}
	if string(got) != string(want) {
		return fmt.Errorf("stream round trip got %q, want %q", got, want)
	}

	alice.sockets.Close(clientFd)
	bob.sockets.Close(connFd)
	return nil
}

func tickBoth(alice, bob *host, ms int64) {
	alice.clock.Advance(ms)
	bob.clock.Advance(ms)
	alice.tcpTable.Tick(alice.clock.NowMs())
	bob.tcpTable.Tick(bob.clock.NowMs())
}

// tcpTransport adapts a connected stream socket to tlsclient.Transport.
type tcpTransport struct {
	sockets *socket.Table
	fd      int
}

func (t *tcpTransport) Send(data []byte) (int, common.Errno) { return t.sockets.Send(t.fd, data) }
func (t *tcpTransport) Recv(buf []byte) (int, common.Errno)  { return t.sockets.Recv(t.fd, buf) }

// runTLSScenario drives tlsclient.Client's ClientHello over a real
// simulated TCP connection between the two hosts and checks that what
// arrives at bob's end is a well-formed TLS record: a full handshake
// needs a peer that speaks the server side, which netsim does not
// script, but this still proves the client drives a live Transport
// rather than a loopback test double.
func runTLSScenario(log logr.Logger, alice, bob *host) error {
	listenFd, errno := bob.sockets.Socket(socket.KindStream)
	if errno != 0 {
		return fmt.Errorf("listen socket: %v", errno)
	}
	if errno := bob.sockets.Bind(listenFd, 8443); errno != 0 {
		return fmt.Errorf("bind: %v", errno)
	}
	if errno := bob.sockets.Listen(listenFd); errno != 0 {
		return fmt.Errorf("listen: %v", errno)
	}

	clientFd, errno := alice.sockets.Socket(socket.KindStream)
	if errno != 0 {
		return fmt.Errorf("client socket: %v", errno)
	}
	if errno := alice.sockets.Connect(clientFd, bob.ip, 8443); errno != 0 {
		return fmt.Errorf("connect: %v", errno)
	}

	var serverFd int
	for i := 0; i < maxDriveAttempts; i++ {
		serverFd, errno = bob.sockets.Accept(listenFd)
		if errno == 0 {
			break
		}
		if errno != common.EAGAIN {
			return fmt.Errorf("accept: %v", errno)
		}
		tickBoth(alice, bob, 10)
	}
	if errno != 0 {
		return fmt.Errorf("tls transport never completed its tcp handshake")
	}

	pool := prng.NewPool(alice.clock)
	client := tlsclient.NewClient(&tcpTransport{sockets: alice.sockets, fd: clientFd}, pool, log.WithValues("role", "tls-client"))
	if errno := client.Start(); errno != 0 {
		return fmt.Errorf("start: %v", errno)
	}
	if errno := client.Drive(); errno != 0 && errno != common.EAGAIN {
		return fmt.Errorf("drive: %v (state %s)", errno, client.State())
	}
	tickBoth(alice, bob, 10)

	record := make([]byte, 4096)
	var n int
	for i := 0; i < maxDriveAttempts; i++ {
		got, errno := bob.sockets.Recv(serverFd, record)
		if errno == 0 && got > 0 {
			n = got
			break
		}
		if errno != 0 && errno != common.EAGAIN {
			return fmt.Errorf("recv: %v", errno)
		}
		tickBoth(alice, bob, 10)
	}
	alice.sockets.Close(clientFd)
	bob.sockets.Close(serverFd)

	// A TLS record header is 5 bytes: content type, two-byte version,
	// two-byte length. Content type 22 is Handshake; the first byte of
	// its body is the handshake type, 1 for ClientHello.
	if n < 6 || record[0] != 22 || record[1] != 0x03 || record[2] != 0x03 || record[5] != 1 {
		return fmt.Errorf("bob received %d bytes that do not look like a TLS ClientHello record: % x", n, record[:n])
	}
	return nil
}
