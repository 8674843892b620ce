package hmac256

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumRFC2104Case1(t *testing.T) {
	key := bytes.Repeat([]byte{0x0b}, 20)
	digest := Sum(key, []byte("Hi There"))
	assert.Equal(t, "b0344c61d8db38535ca8afceaf0bf12b881dc200c9833da726e9376c2e32cff7", hex.EncodeToString(digest[:]))
}

func TestSumRFC2104Case2(t *testing.T) {
	digest := Sum([]byte("Jefe"), []byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", hex.EncodeToString(digest[:]))
}

func TestSumKeyLongerThanBlockSize(t *testing.T) {
	key := bytes.Repeat([]byte{0xaa}, 131)
	digest := Sum(key, []byte("Test Using Larger Than Block-Size Key - Hash Key First"))
	assert.Equal(t, "60e431591ee0b67f0d8a26aacbf5b77f8e0bc6213728c5140546040f0ee37f54", hex.EncodeToString(digest[:]))
}

func TestPRFProducesRequestedLength(t *testing.T) {
	out := make([]byte, 48)
	PRF([]byte("secret"), "master secret", []byte("random-seed-bytes"), out)
	require.Len(t, out, 48)

	out2 := make([]byte, 48)
	PRF([]byte("secret"), "master secret", []byte("random-seed-bytes"), out2)
	assert.Equal(t, out, out2, "PRF must be deterministic for the same inputs")
}

func TestPRFDiffersByLabel(t *testing.T) {
	secret := []byte("shared-secret")
	seed := []byte("client-random||server-random")

	clientFinished := make([]byte, 12)
	serverFinished := make([]byte, 12)
	PRF(secret, "client finished", seed, clientFinished)
	PRF(secret, "server finished", seed, serverFinished)

	assert.NotEqual(t, clientFinished, serverFinished)
}
