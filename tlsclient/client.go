package tlsclient

import (
	"github.com/go-logr/logr"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/crypto/aes128"
	"github.com/ernivani/imposos/crypto/hmac256"
	"github.com/ernivani/imposos/crypto/prng"
	"github.com/ernivani/imposos/crypto/rsak"
	"github.com/ernivani/imposos/crypto/sha256k"
)

// recvChunk is how many bytes Drive pulls from the transport per call.
const recvChunk = 4096

// Client drives one TLS 1.2 handshake and, once established, an
// encrypted record-layer connection over a Transport. Start the
// handshake once, then call Drive repeatedly (the same poll-until-
// EAGAIN pattern net/tcp.Table.Tick uses) until State() reports
// StateEstablished or StateClosed.
type Client struct {
	transport Transport
	pool      *prng.Pool
	log       logr.Logger

	state State
	err   common.Errno

	clientRandom [32]byte
	serverRandom [32]byte
	masterSecret [48]byte
	keys         keyMaterial
	serverKey    rsak.PublicKey

	transcript *sha256k.Ctx

	txPending []byte
	recvBuf   []byte
	hsBuf     []byte
	rxData    []byte

	clientSeq, serverSeq             uint64
	clientEncActive, serverEncActive bool
	encryptCtx                       *aes128.Ctx
	decryptCtx                       *aes128.Ctx
}

func NewClient(transport Transport, pool *prng.Pool, log logr.Logger) *Client {
	return &Client{
		transport:  transport,
		pool:       pool,
		log:        log,
		transcript: sha256k.New(),
	}
}

func (c *Client) State() State        { return c.state }
func (c *Client) Err() common.Errno   { return c.err }
func (c *Client) errOr(def common.Errno) common.Errno {
	if c.err != 0 {
		return c.err
	}
	return def
}

func (c *Client) fail(errno common.Errno) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.err = errno
	c.log.Info("tls handshake failed", "errno", errno)
}

// Start sends ClientHello and begins the handshake. Call Drive
// afterward to push bytes onto the wire and process the response.
func (c *Client) Start() common.Errno {
	if c.state != StateInit {
		return common.EINVAL
	}
	c.pool.Random(c.clientRandom[:])
	msg := wrapHandshake(hsClientHello, buildClientHello(c.clientRandom))
	c.transcript.Update(msg)
	c.queueRecord(ctHandshake, msg)
	c.state = StateWaitServerHello
	return 0
}

// Drive flushes any queued outgoing bytes, pulls available incoming
// bytes, and advances the handshake or delivers application data.
// Returns common.EAGAIN while waiting for more data, 0 once
// Established, or a failure errno if the connection has been torn down.
func (c *Client) Drive() common.Errno {
	if c.state == StateClosed {
		return c.errOr(common.ECONNRESET)
	}

	if errno := c.flushPending(); errno != 0 && errno != common.EAGAIN {
		c.fail(errno)
		return errno
	}

	buf := make([]byte, recvChunk)
	n, errno := c.transport.Recv(buf)
	if errno != 0 && errno != common.EAGAIN {
		c.fail(errno)
		return errno
	}
	if n > 0 {
		c.recvBuf = append(c.recvBuf, buf[:n]...)
	}

	for {
		rec, ct, ok := c.nextRecord()
		if !ok {
			break
		}
		if errno := c.handleRecord(ct, rec); errno != 0 {
			c.fail(errno)
			return errno
		}
		if c.state == StateEstablished || c.state == StateClosed {
			break
		}
	}

	switch c.state {
	case StateEstablished:
		return 0
	case StateClosed:
		return c.errOr(common.ECONNRESET)
	default:
		return common.EAGAIN
	}
}

func (c *Client) flushPending() common.Errno {
	for len(c.txPending) > 0 {
		n, errno := c.transport.Send(c.txPending)
		if errno != 0 {
			return errno
		}
		if n == 0 {
			return common.EAGAIN
		}
		c.txPending = c.txPending[n:]
	}
	return 0
}

func (c *Client) queueRecord(ct contentType, payload []byte) {
	var body []byte
	if c.clientEncActive {
		body = encryptRecord(c.encryptCtx, c.keys.clientMAC[:], c.clientSeq, ct, payload, c.pool)
		c.clientSeq++
	} else {
		body = payload
	}
	header := make([]byte, 5, 5+len(body))
	header[0] = byte(ct)
	header[1], header[2] = tlsVersion[0], tlsVersion[1]
	header[3] = byte(len(body) >> 8)
	header[4] = byte(len(body))
	c.txPending = append(c.txPending, append(header, body...)...)
}

// nextRecord extracts one complete record from recvBuf, if available.
func (c *Client) nextRecord() ([]byte, contentType, bool) {
	if len(c.recvBuf) < 5 {
		return nil, 0, false
	}
	length := int(c.recvBuf[3])<<8 | int(c.recvBuf[4])
	if len(c.recvBuf) < 5+length {
		return nil, 0, false
	}
	ct := contentType(c.recvBuf[0])
	payload := c.recvBuf[5 : 5+length]
	c.recvBuf = c.recvBuf[5+length:]
	return payload, ct, true
}

func (c *Client) handleRecord(ct contentType, payload []byte) common.Errno {
	switch ct {
	case ctAlert:
		return common.ECONNRESET
	case ctChangeCipherSpec:
		if len(payload) != 1 || payload[0] != 0x01 {
			return common.EPROTO
		}
		c.serverEncActive = true
		c.serverSeq = 0
		return 0
	case ctHandshake:
		plain, ok := c.decryptIfNeeded(ct, payload)
		if !ok {
			return common.EPROTO
		}
		c.hsBuf = append(c.hsBuf, plain...)
		return c.drainHandshakeMessages()
	case ctApplicationData:
		plain, ok := c.decryptIfNeeded(ct, payload)
		if !ok {
			return common.EPROTO
		}
		c.rxData = append(c.rxData, plain...)
		return 0
	default:
		return common.EPROTO
	}
}

func (c *Client) decryptIfNeeded(ct contentType, payload []byte) ([]byte, bool) {
	if !c.serverEncActive {
		return payload, true
	}
	plain, ok := decryptRecord(c.decryptCtx, c.keys.serverMAC[:], c.serverSeq, ct, payload)
	c.serverSeq++
	return plain, ok
}

func (c *Client) drainHandshakeMessages() common.Errno {
	for len(c.hsBuf) >= 4 {
		length := int(c.hsBuf[1])<<16 | int(c.hsBuf[2])<<8 | int(c.hsBuf[3])
		if len(c.hsBuf) < 4+length {
			return 0
		}
		msg := c.hsBuf[:4+length]
		c.hsBuf = c.hsBuf[4+length:]
		t := handshakeType(msg[0])
		body := msg[4:]

		if errno := c.handleHandshakeMessage(t, body, msg); errno != 0 {
			return errno
		}
	}
	return 0
}

func (c *Client) handleHandshakeMessage(t handshakeType, body, msg []byte) common.Errno {
	switch c.state {
	case StateWaitServerHello:
		if t != hsServerHello {
			return common.EPROTO
		}
		sh, errno := parseServerHello(body)
		if errno != 0 {
			return errno
		}
		if sh.suite != cipherSuiteRSAAES128CBCSHA256 {
			return common.EPROTO
		}
		c.serverRandom = sh.random
		c.transcript.Update(msg)
		c.state = StateWaitCertificate
		return 0

	case StateWaitCertificate:
		if t != hsCertificate {
			return common.EPROTO
		}
		der, errno := firstCertificateDER(body)
		if errno != 0 {
			return errno
		}
		key, errno := extractRSAPublicKey(der)
		if errno != 0 {
			return errno
		}
		c.serverKey = key
		c.transcript.Update(msg)
		c.state = StateWaitServerHelloDone
		return 0

	case StateWaitServerHelloDone:
		if t != hsServerHelloDone {
			return common.EPROTO
		}
		c.transcript.Update(msg)
		return c.sendClientFinish()

	case StateWaitFinished:
		if t != hsFinished {
			return common.EPROTO
		}
		want := c.verifyData("server finished")
		if !constantTimeEqual(body, want) {
			return common.EPROTO
		}
		c.state = StateEstablished
		return 0

	default:
		return common.EPROTO
	}
}

// sendClientFinish generates the pre-master secret, derives key
// material, and sends ClientKeyExchange, ChangeCipherSpec, and the
// client's Finished message — the remainder of the handshake that
// happens in one uninterrupted burst once ServerHelloDone arrives.
func (c *Client) sendClientFinish() common.Errno {
	var premaster [48]byte
	premaster[0], premaster[1] = tlsVersion[0], tlsVersion[1]
	c.pool.Random(premaster[2:])

	master := make([]byte, 48)
	seed := append(append([]byte{}, c.clientRandom[:]...), c.serverRandom[:]...)
	hmac256.PRF(premaster[:], "master secret", seed, master)
	copy(c.masterSecret[:], master)

	c.keys = deriveKeys(c.masterSecret[:], c.clientRandom, c.serverRandom)
	c.encryptCtx = aes128.New(c.keys.clientKey)
	c.decryptCtx = aes128.New(c.keys.serverKey)

	encPremaster := make([]byte, c.serverKey.NBytes)
	if err := rsak.Encrypt(c.serverKey, premaster[:], c.pool, encPremaster); err != nil {
		return common.EPROTO
	}
	ckeMsg := wrapHandshake(hsClientKeyExchange, buildClientKeyExchange(encPremaster))
	c.transcript.Update(ckeMsg)
	c.queueRecord(ctHandshake, ckeMsg)

	c.queueRecord(ctChangeCipherSpec, []byte{0x01})
	c.clientEncActive = true
	c.clientSeq = 0

	finishedMsg := wrapHandshake(hsFinished, c.verifyData("client finished"))
	c.transcript.Update(finishedMsg)
	c.queueRecord(ctHandshake, finishedMsg)

	c.state = StateWaitFinished
	return 0
}

func (c *Client) verifyData(label string) []byte {
	digest := c.transcript.Clone().Final()
	out := make([]byte, 12)
	hmac256.PRF(c.masterSecret[:], label, digest[:], out)
	return out
}

// Write encrypts and queues application data once the handshake has
// completed. Call Drive to actually push it onto the wire.
func (c *Client) Write(data []byte) (int, common.Errno) {
	if c.state != StateEstablished {
		return 0, common.ENOTCONN
	}
	c.queueRecord(ctApplicationData, data)
	return len(data), 0
}

// Read drains decrypted application data delivered by Drive.
func (c *Client) Read(buf []byte) (int, common.Errno) {
	if len(c.rxData) == 0 {
		if c.state == StateClosed {
			return 0, c.errOr(common.ECONNRESET)
		}
		return 0, common.EAGAIN
	}
	n := copy(buf, c.rxData)
	c.rxData = c.rxData[n:]
	return n, 0
}
