package tlsclient

import (
	"crypto/rsa"
	"crypto/x509"
	"math/big"

	"github.com/ernivani/imposos/common"
	"github.com/ernivani/imposos/crypto/bignum"
	"github.com/ernivani/imposos/crypto/rsak"
)

// extractRSAPublicKey parses a DER-encoded X.509 certificate and
// converts its RSA public key into this kernel's own bignum
// representation. ASN.1/X.509 parsing has no counterpart anywhere in
// the retrieval pack and is not something a TLS client should
// hand-roll a DER reader for — the standard library's parser is used
// here, with its output immediately converted into the hand-rolled
// bignum/RSA math the rest of this package performs.
func extractRSAPublicKey(der []byte) (rsak.PublicKey, common.Errno) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return rsak.PublicKey{}, common.EPROTO
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return rsak.PublicKey{}, common.EPROTO
	}

	nBytes := pub.N.BitLen()/8 + 1
	if pub.N.BitLen()%8 == 0 {
		nBytes = pub.N.BitLen() / 8
	}

	n := bignum.FromBytes(pub.N.Bytes())
	e := bignum.FromBytes(big.NewInt(int64(pub.E)).Bytes())

	return rsak.PublicKey{N: n, E: e, NBytes: nBytes}, 0
}
