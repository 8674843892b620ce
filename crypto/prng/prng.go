// Package prng implements the kernel's CSPRNG: a persistent 32-byte
// SHA-256 pool, seeded once from hardware entropy and remixed with
// fresh entropy on every draw so that no two calls reuse the same
// internal state even if the draw itself is requested repeatedly.
//
// The source this is ported from seeds the pool from the RDTSC
// timestamp counter, the PIT tick count, and CMOS RTC bytes — none of
// which exist on this substitute platform. In their place this
// package draws from the host kernel's CSPRNG (golang.org/x/sys/unix's
// Getrandom, falling back to crypto/rand off Linux) and mixes in a
// Ticker reading (the host wall clock by default) standing in for the
// TSC reading taken on every draw.
package prng

import (
	crand "crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ernivani/imposos/crypto/sha256k"
	"golang.org/x/sys/unix"
)

// Ticker supplies the monotonic counter mixed into the pool on every
// draw, the substitute for the RDTSC reading the source takes.
type Ticker interface {
	Ticks() uint64
}

type systemTicker struct{}

func (systemTicker) Ticks() uint64 { return uint64(time.Now().UnixNano()) }

// Pool is a seeded CSPRNG instance. The zero value is not usable;
// construct with NewPool.
type Pool struct {
	mu          sync.Mutex
	pool        [sha256k.DigestSize]byte
	counter     uint32
	initialized bool
	ticker      Ticker
}

// NewPool builds an unseeded pool. Passing a nil ticker uses the
// system wall clock (time.Now().UnixNano()).
func NewPool(ticker Ticker) *Pool {
	if ticker == nil {
		ticker = systemTicker{}
	}
	return &Pool{ticker: ticker}
}

// hostEntropy stands in for a single CMOS/PIT read: real randomness
// from the host kernel, falling back to crypto/rand if Getrandom is
// unavailable on this platform.
func hostEntropy(n int) []byte {
	buf := make([]byte, n)
	got, err := unix.Getrandom(buf, 0)
	if err != nil || got < n {
		crand.Read(buf)
	}
	return buf
}

// Init seeds the pool from three independent entropy draws, mirroring
// the source's TSC/PIT/RTC triple. Safe to call more than once; each
// call folds in fresh entropy rather than reverting prior seeding.
func (p *Pool) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
}

func (p *Pool) initLocked() {
	var tscBuf [8]byte
	binary.LittleEndian.PutUint64(tscBuf[:], p.ticker.Ticks())
	p.seedLocked(tscBuf[:])

	p.seedLocked(hostEntropy(4)) // PIT tick count substitute
	p.seedLocked(hostEntropy(6)) // RTC byte substitute

	p.initialized = true
}

// Seed folds data into the pool: pool = SHA256(pool || data).
func (p *Pool) Seed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seedLocked(data)
}

func (p *Pool) seedLocked(data []byte) {
	ctx := sha256k.New()
	ctx.Update(p.pool[:])
	ctx.Update(data)
	p.pool = ctx.Final()
}

// Random fills buf with fresh output, lazily seeding the pool on
// first use. Every 16 bytes of output consumes one more mixing round:
// pool and output are both derived from SHA256(pool || counter ||
// tick), half of the digest replacing the pool and half going to the
// caller, so knowing past output never reveals the pool's next state.
func (p *Pool) Random(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		p.initLocked()
	}

	pos := 0
	for pos < len(buf) {
		p.counter++
		tick := p.ticker.Ticks()

		ctx := sha256k.New()
		ctx.Update(p.pool[:])
		var counterBuf [4]byte
		binary.LittleEndian.PutUint32(counterBuf[:], p.counter)
		ctx.Update(counterBuf[:])
		var tickBuf [8]byte
		binary.LittleEndian.PutUint64(tickBuf[:], tick)
		ctx.Update(tickBuf[:])
		out := ctx.Final()

		copy(p.pool[:16], out[:16])
		n := copy(buf[pos:], out[16:])
		pos += n
	}
}
