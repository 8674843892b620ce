// Package tlsclient implements a TLS 1.2 client restricted to the
// single cipher suite TLS_RSA_WITH_AES_128_CBC_SHA256: RSA key
// exchange, AES-128-CBC record encryption, HMAC-SHA256 record
// authentication. It drives the handshake and record layer over any
// byte-stream Transport (a TCP socket in production, a fake in tests)
// the same way net/tcp drives retransmission from a Drive/Tick loop
// the caller polls rather than blocking inside it.
package tlsclient

import "github.com/ernivani/imposos/common"

// Transport is the byte-stream the handshake and record layer run
// over. Recv returns common.EAGAIN when no data has arrived yet,
// matching the absolute non-blocking convention net/tcp.Recv and
// net/udp.Recv use.
type Transport interface {
	Send(data []byte) (int, common.Errno)
	Recv(buf []byte) (int, common.Errno)
}

type contentType byte

const (
	ctChangeCipherSpec contentType = 20
	ctAlert            contentType = 21
	ctHandshake        contentType = 22
	ctApplicationData  contentType = 23
)

type handshakeType byte

const (
	hsClientHello       handshakeType = 1
	hsServerHello       handshakeType = 2
	hsCertificate       handshakeType = 11
	hsServerHelloDone   handshakeType = 14
	hsClientKeyExchange handshakeType = 16
	hsFinished          handshakeType = 20
)

// tlsVersion is the wire version field every record and ClientHello
// carries: TLS 1.2.
var tlsVersion = [2]byte{0x03, 0x03}

// cipherSuiteRSAAES128CBCSHA256 is the only suite this client offers
// or accepts.
var cipherSuiteRSAAES128CBCSHA256 = [2]byte{0x00, 0x3c}

// State is the handshake/connection lifecycle.
type State int

const (
	StateInit State = iota
	StateWaitServerHello
	StateWaitCertificate
	StateWaitServerHelloDone
	StateWaitFinished
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitServerHello:
		return "wait-server-hello"
	case StateWaitCertificate:
		return "wait-certificate"
	case StateWaitServerHelloDone:
		return "wait-server-hello-done"
	case StateWaitFinished:
		return "wait-finished"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
