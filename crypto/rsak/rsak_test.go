package rsak

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernivani/imposos/crypto/bignum"
	"github.com/ernivani/imposos/crypto/prng"
)

// n, e, d below form one throwaway 513-bit RSA keypair generated for
// this test only; d is used purely to verify Encrypt's output
// decrypts back to a validly padded block, never by any production code.
const (
	testNHex = "0100000000000000000000000000000000000000000000000000000000000122f380000000000000000000000000000000000000000000000000000000497afda7"
	testDHex = "00b72648d9b72648d9b72648d9b72648d9b72648d9b72648d9b72648d9b72718ff80b77f4880b77f4880b77f4880b77f4880b77f4880b77f4880b77f48b5482f89"
	testE    = 65537
)

type fixedTicker struct{ n uint64 }

func (f fixedTicker) Ticks() uint64 { return f.n }

func testKey(t *testing.T) (PublicKey, *bignum.Int) {
	t.Helper()
	nBytes, err := hex.DecodeString(testNHex)
	require.NoError(t, err)
	dBytes, err := hex.DecodeString(testDHex)
	require.NoError(t, err)

	eBuf := make([]byte, 4)
	eBuf[0] = byte(testE >> 24)
	eBuf[1] = byte(testE >> 16)
	eBuf[2] = byte(testE >> 8)
	eBuf[3] = byte(testE)

	n := bignum.FromBytes(nBytes)
	key := PublicKey{N: n, E: bignum.FromBytes(eBuf), NBytes: len(nBytes)}
	d := bignum.FromBytes(dBytes)
	return key, d
}

func TestEncryptProducesValidPKCS1Block(t *testing.T) {
	key, d := testKey(t)
	pool := prng.NewPool(fixedTicker{1})

	msg := []byte("hello, tls")
	out := make([]byte, key.NBytes)
	require.NoError(t, Encrypt(key, msg, pool, out))

	c := bignum.FromBytes(out)
	em := bignum.ModExp(c, d, key.N)
	buf := make([]byte, key.NBytes)
	em.ToBytes(buf)

	require.Equal(t, byte(0x00), buf[0])
	require.Equal(t, byte(0x02), buf[1])

	sepIdx := -1
	for i := 2; i < len(buf); i++ {
		if buf[i] == 0x00 {
			sepIdx = i
			break
		}
		assert.NotZero(t, buf[i], "PS must contain no zero bytes")
	}
	require.NotEqual(t, -1, sepIdx, "padded block must contain a 0x00 separator")
	assert.Equal(t, msg, buf[sepIdx+1:])
}

func TestEncryptRejectsOversizedMessage(t *testing.T) {
	key, _ := testKey(t)
	pool := prng.NewPool(fixedTicker{1})

	msg := make([]byte, key.NBytes)
	out := make([]byte, key.NBytes)
	assert.Error(t, Encrypt(key, msg, pool, out))
}

func TestEncryptRejectsUndersizedOutput(t *testing.T) {
	key, _ := testKey(t)
	pool := prng.NewPool(fixedTicker{1})

	out := make([]byte, key.NBytes-1)
	assert.Error(t, Encrypt(key, []byte("hi"), pool, out))
}
