package sha256k

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumEmpty(t *testing.T) {
	digest := Sum(nil)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hex.EncodeToString(digest[:]))
}

func TestSumAbc(t *testing.T) {
	digest := Sum([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(digest[:]))
}

func TestUpdateInChunksMatchesSingleShot(t *testing.T) {
	msg := []byte("abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq")

	c := New()
	for i := 0; i < len(msg); i += 7 {
		end := i + 7
		if end > len(msg) {
			end = len(msg)
		}
		c.Update(msg[i:end])
	}
	chunked := c.Final()
	whole := Sum(msg)
	assert.Equal(t, whole, chunked)
}

func TestSumLongerVector(t *testing.T) {
	digest := Sum([]byte("abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq"))
	assert.Equal(t, "248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1", hex.EncodeToString(digest[:]))
}
