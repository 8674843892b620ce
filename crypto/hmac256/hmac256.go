// Package hmac256 implements HMAC-SHA-256 (RFC 2104) and the TLS 1.2
// pseudorandom function (P_SHA256) built on top of it, used to derive
// the master secret and record-layer key material during a handshake.
package hmac256

import "github.com/ernivani/imposos/crypto/sha256k"

// maxSeed bounds the label‖seed concatenation the PRF hashes per
// round; TLS 1.2 seeds (client/server random pairs, transcript
// hashes) are always far smaller than this.
const maxSeed = 256

// Sum computes HMAC-SHA-256(key, msg).
func Sum(key, msg []byte) [sha256k.DigestSize]byte {
	var kPad [sha256k.BlockSize]byte

	if len(key) > sha256k.BlockSize {
		hashed := sha256k.Sum(key)
		key = hashed[:]
	}

	for i := range kPad {
		kPad[i] = 0x36
	}
	for i := range key {
		kPad[i] ^= key[i]
	}
	inner := sha256k.New()
	inner.Update(kPad[:])
	inner.Update(msg)
	innerDigest := inner.Final()

	for i := range kPad {
		kPad[i] = 0x5c
	}
	for i := range key {
		kPad[i] ^= key[i]
	}
	outer := sha256k.New()
	outer.Update(kPad[:])
	outer.Update(innerDigest[:])
	return outer.Final()
}

// pSHA256 is the P_SHA256 data-expansion function TLS 1.2's PRF is
// built from: A(1) = HMAC(secret, seed), A(i+1) = HMAC(secret, A(i)),
// output = HMAC(secret, A(1)‖seed) ‖ HMAC(secret, A(2)‖seed) ‖ ...
func pSHA256(secret, seed []byte, out []byte) {
	a := Sum(secret, seed)

	pos := 0
	for pos < len(out) {
		concat := make([]byte, 0, sha256k.DigestSize+len(seed))
		concat = append(concat, a[:]...)
		if len(seed) <= maxSeed {
			concat = append(concat, seed...)
		}
		tmp := Sum(secret, concat)

		n := copy(out[pos:], tmp[:])
		pos += n

		a = Sum(secret, a[:])
	}
}

// PRF is the TLS 1.2 pseudorandom function: PRF(secret, label, seed,
// len) = P_SHA256(secret, label‖seed), truncated/extended to len.
func PRF(secret []byte, label string, seed []byte, out []byte) {
	ls := make([]byte, 0, len(label)+len(seed))
	ls = append(ls, label...)
	ls = append(ls, seed...)
	pSHA256(secret, ls, out)
}
