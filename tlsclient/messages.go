package tlsclient

import "github.com/ernivani/imposos/common"

// wrapHandshake prepends the 4-byte handshake header (1-byte type,
// 3-byte length) to body.
func wrapHandshake(t handshakeType, body []byte) []byte {
	msg := make([]byte, 4+len(body))
	msg[0] = byte(t)
	msg[1] = byte(len(body) >> 16)
	msg[2] = byte(len(body) >> 8)
	msg[3] = byte(len(body))
	copy(msg[4:], body)
	return msg
}

func buildClientHello(clientRandom [32]byte) []byte {
	body := make([]byte, 0, 2+32+1+2+2+1+1)
	body = append(body, tlsVersion[0], tlsVersion[1])
	body = append(body, clientRandom[:]...)
	body = append(body, 0x00) // no session id
	body = append(body, 0x00, 0x02) // cipher suites length
	body = append(body, cipherSuiteRSAAES128CBCSHA256[:]...)
	body = append(body, 0x01, 0x00) // one compression method: null
	return body
}

type serverHello struct {
	random [32]byte
	suite  [2]byte
}

func parseServerHello(body []byte) (serverHello, common.Errno) {
	var sh serverHello
	if len(body) < 2+32+1 {
		return sh, common.EPROTO
	}
	pos := 2 // skip server_version
	copy(sh.random[:], body[pos:pos+32])
	pos += 32
	sessionIDLen := int(body[pos])
	pos++
	pos += sessionIDLen
	if len(body) < pos+2 {
		return sh, common.EPROTO
	}
	sh.suite[0], sh.suite[1] = body[pos], body[pos+1]
	return sh, 0
}

// firstCertificateDER extracts the leaf certificate's raw DER bytes
// out of a Certificate handshake message body.
func firstCertificateDER(body []byte) ([]byte, common.Errno) {
	if len(body) < 3 {
		return nil, common.EPROTO
	}
	listLen := int(body[0])<<16 | int(body[1])<<8 | int(body[2])
	if listLen+3 > len(body) {
		return nil, common.EPROTO
	}
	list := body[3 : 3+listLen]
	if len(list) < 3 {
		return nil, common.EPROTO
	}
	certLen := int(list[0])<<16 | int(list[1])<<8 | int(list[2])
	if certLen+3 > len(list) {
		return nil, common.EPROTO
	}
	return list[3 : 3+certLen], 0
}

func buildClientKeyExchange(encryptedPremaster []byte) []byte {
	body := make([]byte, 0, 2+len(encryptedPremaster))
	body = append(body, byte(len(encryptedPremaster)>>8), byte(len(encryptedPremaster)))
	body = append(body, encryptedPremaster...)
	return body
}
