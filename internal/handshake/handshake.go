// Package handshake implements the RTMP handshake engine: the simple
// (schema 0 / schema 1 digest) exchange and, where the peer requests
// it, the complex DH-1024 key exchange.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

// Client message formats, detected from C1's embedded digest offset.
const (
	FormatBasic = 0 // schema 0, no digest found: plain/basic handshake
	FormatS1S1  = 1 // schema 1: time, version, digest-first, key
	FormatS0S2  = 2 // schema 0: time, version, key, digest-last
)

const (
	// SigSize is the fixed size of each of C1/S1/C2/S2.
	SigSize   = 1536
	digestLen = 32

	RTMPVersion = 3
)

var randomCrud = []byte{
	0xf0, 0xee, 0xc2, 0x4a, 0x80, 0x68, 0xbe, 0xe8,
	0x2e, 0x00, 0xd0, 0xd1, 0x02, 0x9e, 0x7e, 0x57,
	0x6e, 0xec, 0x5d, 0x2d, 0x29, 0x80, 0x6f, 0xab,
	0x93, 0xb8, 0xe6, 0x36, 0xcf, 0xeb, 0x31, 0xae,
}

const genuineFMSConst = "Genuine Adobe Flash Media Server 001"
const genuineFPConst = "Genuine Adobe Flash Player 001"

var genuineFMSConstCrud = append([]byte(genuineFMSConst), randomCrud...)

func calcHmac(message, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

func compareSignatures(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	equal := true
	for i := range a {
		equal = equal && a[i] == b[i]
	}
	return equal
}

// clientGenuineConstDigestOffset locates the digest within a schema-1
// client payload (digest follows the 8-byte time+version header plus
// the 764-byte random block's leading four bytes).
func clientGenuineConstDigestOffset(buf []byte) uint32 {
	offset := uint32(buf[0]) + uint32(buf[1]) + uint32(buf[2]) + uint32(buf[3])
	return (offset % 728) + 12
}

// serverGenuineConstDigestOffset locates the digest within a schema-0
// client payload.
func serverGenuineConstDigestOffset(buf []byte) uint32 {
	offset := uint32(buf[0]) + uint32(buf[1]) + uint32(buf[2]) + uint32(buf[3])
	return (offset % 728) + 776
}

// DetectClientFormat determines which handshake schema the client used,
// by trying both digest offset formulas against the provided HMAC.
func DetectClientFormat(clientSig []byte) uint32 {
	if verifyClientDigest(clientSig, serverGenuineConstDigestOffset(clientSig[772:776])) {
		return FormatS0S2
	}
	if verifyClientDigest(clientSig, clientGenuineConstDigestOffset(clientSig[8:12])) {
		return FormatS1S1
	}
	return FormatBasic
}

func verifyClientDigest(clientSig []byte, offset uint32) bool {
	msg := make([]byte, offset)
	copy(msg, clientSig[0:offset])
	msg = append(msg, clientSig[(offset+digestLen):]...)
	msg = padOrTruncate(msg, 1504)

	computed := calcHmac(msg, []byte(genuineFPConst))
	provided := clientSig[offset : offset+digestLen]
	return compareSignatures(computed, provided)
}

func padOrTruncate(b []byte, size int) []byte {
	if len(b) < size {
		return append(b, make([]byte, size-len(b))...)
	}
	return b[:size]
}

// GenerateS1 builds the server's S1, signed for the detected message
// format.
func GenerateS1(messageFormat uint32) []byte {
	random := make([]byte, SigSize-8)
	if _, err := rand.Read(random); err != nil {
		panic(err) // crypto/rand failing means the OS entropy source is broken
	}

	handshakeBytes := append([]byte{0, 0, 0, 0, 1, 2, 3, 4}, random...)
	handshakeBytes = padOrTruncate(handshakeBytes, SigSize)

	var offset uint32
	if messageFormat == FormatS1S1 {
		offset = clientGenuineConstDigestOffset(handshakeBytes[8:12])
	} else {
		offset = serverGenuineConstDigestOffset(handshakeBytes[772:776])
	}

	msg := make([]byte, offset)
	copy(msg, handshakeBytes[0:offset])
	msg = append(msg, handshakeBytes[(offset+digestLen):]...)
	msg = padOrTruncate(msg, SigSize-digestLen)

	h := calcHmac(msg, []byte(genuineFMSConst))
	copy(handshakeBytes[offset:offset+digestLen], h)

	return handshakeBytes
}

// GenerateS2 builds the server's S2, echoing the client's challenge key.
func GenerateS2(messageFormat uint32, clientSig []byte) []byte {
	random := make([]byte, SigSize-digestLen)
	if _, err := rand.Read(random); err != nil {
		panic(err)
	}

	var keyOffset uint32
	if messageFormat == FormatS1S1 {
		keyOffset = clientGenuineConstDigestOffset(clientSig[8:12])
	} else {
		keyOffset = serverGenuineConstDigestOffset(clientSig[772:776])
	}
	challengeKey := clientSig[keyOffset : keyOffset+digestLen]

	h := calcHmac(challengeKey, genuineFMSConstCrud)
	signature := calcHmac(random, h)

	s2 := append(append([]byte{}, random...), signature...)
	return padOrTruncate(s2, SigSize)
}

// Result carries the server's S0+S1+S2 response plus, for the complex
// handshake, the DH shared secret derived from the client's public key
// (nil for the basic handshake, which performs no key exchange).
type Result struct {
	Format       uint32
	S0S1S2       []byte
	SharedSecret []byte
}

// GenerateS0S1S2 builds the full server handshake response to a
// received C1, including the version byte (S0). For schema 0/1 it also
// runs the DH-1024 key exchange: generating a server key pair, folding
// its public component into S1's key block, and deriving the shared
// secret from the client's embedded public key.
func GenerateS0S1S2(clientSig []byte) (*Result, error) {
	format := DetectClientFormat(clientSig)

	all := []byte{RTMPVersion}
	if format == FormatBasic {
		all = append(all, clientSig...)
		all = append(all, clientSig...)
		return &Result{Format: format, S0S1S2: all}, nil
	}

	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	s1 := GenerateS1(format)
	EmbedPublicKey(s1, format, keyPair.Public)
	// Re-sign S1 now that the key block has changed: the digest is
	// computed over S1 with the digest bytes removed, so it covers the
	// embedded DH key.
	var offset uint32
	if format == FormatS1S1 {
		offset = clientGenuineConstDigestOffset(s1[8:12])
	} else {
		offset = serverGenuineConstDigestOffset(s1[772:776])
	}
	msg := make([]byte, offset)
	copy(msg, s1[0:offset])
	msg = append(msg, s1[(offset+digestLen):]...)
	copy(s1[offset:offset+digestLen], calcHmac(msg, []byte(genuineFMSConst)))

	peerPublic := ExtractPeerPublicKey(clientSig, format)
	sharedSecret := keyPair.ComputeSharedSecret(peerPublic)

	s2 := GenerateS2(format, clientSig)
	all = append(all, s1...)
	all = append(all, s2...)
	return &Result{Format: format, S0S1S2: all, SharedSecret: sharedSecret}, nil
}
