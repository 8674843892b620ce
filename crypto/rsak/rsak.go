// Package rsak implements the one RSA operation a TLS_RSA key
// exchange needs: public-key encryption of the pre-master secret
// under PKCS#1 v1.5 type-2 padding. There is no decrypt or sign path
// because this client never holds a private key.
package rsak

import (
	"errors"

	"github.com/ernivani/imposos/crypto/bignum"
	"github.com/ernivani/imposos/crypto/prng"
)

// maxModulusBytes bounds the modulus to bignum's 2048-bit width.
const maxModulusBytes = bignum.Words * 4

// PublicKey is the modulus/exponent pair extracted from a peer
// certificate, plus the modulus's byte length (the PKCS#1 block size).
type PublicKey struct {
	N      *bignum.Int
	E      *bignum.Int
	NBytes int
}

// Encrypt PKCS#1-v1.5-pads msg and computes c = msg^e mod n, writing
// exactly key.NBytes of ciphertext to out.
func Encrypt(key PublicKey, msg []byte, pool *prng.Pool, out []byte) error {
	k := key.NBytes
	if len(out) < k {
		return errors.New("rsak: output buffer shorter than modulus")
	}
	if k > maxModulusBytes {
		return errors.New("rsak: modulus wider than 2048 bits")
	}
	if len(msg) > k-11 {
		return errors.New("rsak: message too long for this modulus")
	}

	em := make([]byte, k)
	em[0] = 0x00
	em[1] = 0x02

	psLen := k - len(msg) - 3
	ps := em[2 : 2+psLen]
	pool.Random(ps)
	for i := range ps {
		for ps[i] == 0 {
			var b [1]byte
			pool.Random(b[:])
			ps[i] = b[0]
		}
	}

	em[2+psLen] = 0x00
	copy(em[3+psLen:], msg)

	m := bignum.FromBytes(em)
	c := bignum.ModExp(m, key.E, key.N)
	c.ToBytes(out[:k])
	return nil
}
