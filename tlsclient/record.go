package tlsclient

import (
	"github.com/ernivani/imposos/crypto/aes128"
	"github.com/ernivani/imposos/crypto/hmac256"
	"github.com/ernivani/imposos/crypto/prng"
	"github.com/ernivani/imposos/crypto/sha256k"
)

const (
	macSize = sha256k.DigestSize
	ivSize  = aes128.BlockSize
)

// keyMaterial is the six pieces of key material TLS 1.2's key_block
// derives: a MAC key and a bulk-cipher key per direction, plus a
// fixed IV per direction that this client derives for protocol
// completeness but never uses as a live per-record IV — CBC records
// here carry an explicit random IV each, as TLS 1.1+ requires.
type keyMaterial struct {
	clientMAC, serverMAC [macSize]byte
	clientKey, serverKey [aes128.KeySize]byte
	clientIV, serverIV   [ivSize]byte
}

func deriveKeys(masterSecret []byte, clientRandom, serverRandom [32]byte) keyMaterial {
	seed := make([]byte, 0, 64)
	seed = append(seed, serverRandom[:]...)
	seed = append(seed, clientRandom[:]...)

	need := 2 * (macSize + aes128.KeySize + ivSize)
	block := make([]byte, need)
	hmac256.PRF(masterSecret, "key expansion", seed, block)

	var km keyMaterial
	pos := 0
	copy(km.clientMAC[:], block[pos:pos+macSize])
	pos += macSize
	copy(km.serverMAC[:], block[pos:pos+macSize])
	pos += macSize
	copy(km.clientKey[:], block[pos:pos+aes128.KeySize])
	pos += aes128.KeySize
	copy(km.serverKey[:], block[pos:pos+aes128.KeySize])
	pos += aes128.KeySize
	copy(km.clientIV[:], block[pos:pos+ivSize])
	pos += ivSize
	copy(km.serverIV[:], block[pos:pos+ivSize])
	return km
}

// macHeader builds the 13-byte MAC input prefix: 64-bit sequence
// number, content type, wire version, and fragment length.
func macHeader(seq uint64, ct contentType, length int) []byte {
	h := make([]byte, 13)
	for i := 0; i < 8; i++ {
		h[i] = byte(seq >> uint(56-8*i))
	}
	h[8] = byte(ct)
	h[9], h[10] = tlsVersion[0], tlsVersion[1]
	h[11] = byte(length >> 8)
	h[12] = byte(length)
	return h
}

// encryptRecord builds the ciphertext fragment (explicit IV ||
// AES-CBC(plain || HMAC || padding)) for one outgoing record.
func encryptRecord(enc *aes128.Ctx, macKey []byte, seq uint64, ct contentType, plain []byte, pool *prng.Pool) []byte {
	mac := hmac256.Sum(macKey, append(macHeader(seq, ct, len(plain)), plain...))

	unpadded := make([]byte, 0, len(plain)+macSize)
	unpadded = append(unpadded, plain...)
	unpadded = append(unpadded, mac[:]...)

	padLen := aes128.BlockSize - ((len(unpadded) + 1) % aes128.BlockSize)
	if padLen == aes128.BlockSize {
		padLen = 0
	}
	for i := 0; i <= padLen; i++ {
		unpadded = append(unpadded, byte(padLen))
	}

	var iv [aes128.BlockSize]byte
	pool.Random(iv[:])
	cipherBytes := enc.CBCEncrypt(iv, unpadded)

	out := make([]byte, 0, len(iv)+len(cipherBytes))
	out = append(out, iv[:]...)
	out = append(out, cipherBytes...)
	return out
}

// decryptRecord reverses encryptRecord, returning the plaintext
// fragment or false if the padding or MAC does not check out.
func decryptRecord(dec *aes128.Ctx, macKey []byte, seq uint64, ct contentType, fragment []byte) ([]byte, bool) {
	if len(fragment) < ivSize+aes128.BlockSize {
		return nil, false
	}
	var iv [aes128.BlockSize]byte
	copy(iv[:], fragment[:ivSize])
	cipherBytes := fragment[ivSize:]
	if len(cipherBytes)%aes128.BlockSize != 0 {
		return nil, false
	}

	padded := dec.CBCDecrypt(iv, cipherBytes)
	padLen := int(padded[len(padded)-1])
	if padLen+1 > len(padded) {
		return nil, false
	}
	content := padded[:len(padded)-padLen-1]
	for _, b := range padded[len(content):] {
		if int(b) != padLen {
			return nil, false
		}
	}

	if len(content) < macSize {
		return nil, false
	}
	plain := content[:len(content)-macSize]
	gotMAC := content[len(content)-macSize:]

	wantMAC := hmac256.Sum(macKey, append(macHeader(seq, ct, len(plain)), plain...))
	if !constantTimeEqual(gotMAC, wantMAC[:]) {
		return nil, false
	}
	return plain, true
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
