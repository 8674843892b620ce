// Package sha256k implements SHA-256 (FIPS 180-4) as a streaming
// init/update/final hasher, the form the TLS record layer and HMAC
// need to feed data in pieces as it arrives off the wire.
package sha256k

import "encoding/binary"

const (
	BlockSize  = 64
	DigestSize = 32
)

var k = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5,
	0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3,
	0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc,
	0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7,
	0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13,
	0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3,
	0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5,
	0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208,
	0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// Ctx is a SHA-256 hash state, resumable across Update calls the way
// a kernel feeds a TLS record or certificate in chunks as bytes arrive.
type Ctx struct {
	state [8]uint32
	count uint64
	buf   [BlockSize]byte
}

func New() *Ctx {
	c := &Ctx{}
	c.Init()
	return c
}

func (c *Ctx) Init() {
	c.state = [8]uint32{
		0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
		0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
	}
	c.count = 0
}

func ror(x uint32, n uint) uint32 { return (x >> n) | (x << (32 - n)) }

func (c *Ctx) transform(block []byte) {
	var w [64]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(block[i*4:])
	}
	for i := 16; i < 64; i++ {
		sig1 := ror(w[i-2], 17) ^ ror(w[i-2], 19) ^ (w[i-2] >> 10)
		sig0 := ror(w[i-15], 7) ^ ror(w[i-15], 18) ^ (w[i-15] >> 3)
		w[i] = sig1 + w[i-7] + sig0 + w[i-16]
	}

	a, b, cc, d := c.state[0], c.state[1], c.state[2], c.state[3]
	e, f, g, h := c.state[4], c.state[5], c.state[6], c.state[7]

	for i := 0; i < 64; i++ {
		ep1 := ror(e, 6) ^ ror(e, 11) ^ ror(e, 25)
		ch := (e & f) ^ (^e & g)
		t1 := h + ep1 + ch + k[i] + w[i]
		ep0 := ror(a, 2) ^ ror(a, 13) ^ ror(a, 22)
		maj := (a & b) ^ (a & cc) ^ (b & cc)
		t2 := ep0 + maj
		h, g, f, e = g, f, e, d+t1
		d, cc, b, a = cc, b, a, t1+t2
	}

	c.state[0] += a
	c.state[1] += b
	c.state[2] += cc
	c.state[3] += d
	c.state[4] += e
	c.state[5] += f
	c.state[6] += g
	c.state[7] += h
}

func (c *Ctx) Update(data []byte) {
	idx := int(c.count & (BlockSize - 1))
	c.count += uint64(len(data))

	if idx > 0 {
		fill := BlockSize - idx
		if len(data) < fill {
			copy(c.buf[idx:], data)
			return
		}
		copy(c.buf[idx:], data[:fill])
		c.transform(c.buf[:])
		data = data[fill:]
	}

	for len(data) >= BlockSize {
		c.transform(data[:BlockSize])
		data = data[BlockSize:]
	}

	copy(c.buf[:], data)
}

func (c *Ctx) Final() [DigestSize]byte {
	bits := c.count * 8
	idx := int(c.count & (BlockSize - 1))

	c.buf[idx] = 0x80
	idx++
	if idx > 56 {
		for i := idx; i < BlockSize; i++ {
			c.buf[i] = 0
		}
		c.transform(c.buf[:])
		idx = 0
	}
	for i := idx; i < 56; i++ {
		c.buf[i] = 0
	}
	binary.BigEndian.PutUint64(c.buf[56:], bits)
	c.transform(c.buf[:])

	var digest [DigestSize]byte
	for i := 0; i < 8; i++ {
		binary.BigEndian.PutUint32(digest[i*4:], c.state[i])
	}
	return digest
}

// Sum hashes data in one call.
func Sum(data []byte) [DigestSize]byte {
	c := New()
	c.Update(data)
	return c.Final()
}

// Clone snapshots the hash state so the caller can Final() the copy
// — to read a running transcript hash mid-stream — while continuing
// to Update the original.
func (c *Ctx) Clone() *Ctx {
	cp := *c
	return &cp
}
