package handshake

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmperr"
)

func TestDetectClientFormatBasicWhenNoDigestMatches(t *testing.T) {
	sig := make([]byte, SigSize)
	if got := DetectClientFormat(sig); got != FormatBasic {
		t.Fatalf("DetectClientFormat(zeroed) = %d, want FormatBasic", got)
	}
}

func TestGenerateS0S1S2BasicEchoesClientSignature(t *testing.T) {
	clientSig := make([]byte, SigSize)
	for i := range clientSig {
		clientSig[i] = byte(i)
	}

	result, err := GenerateS0S1S2(clientSig)
	if err != nil {
		t.Fatalf("GenerateS0S1S2: %v", err)
	}
	resp := result.S0S1S2
	if len(resp) != 1+2*SigSize {
		t.Fatalf("len(resp) = %d, want %d", len(resp), 1+2*SigSize)
	}
	if resp[0] != RTMPVersion {
		t.Fatalf("resp[0] = %d, want version byte %d", resp[0], RTMPVersion)
	}
	if !bytes.Equal(resp[1:1+SigSize], clientSig) {
		t.Fatalf("basic handshake S1 must echo the client signature")
	}
	if result.SharedSecret != nil {
		t.Fatalf("basic handshake must not produce a DH shared secret")
	}
}

func TestGenerateS0S1S2ComplexProducesSharedSecret(t *testing.T) {
	clientKeyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	clientSig := GenerateS1(FormatS0S2)
	EmbedPublicKey(clientSig, FormatS0S2, clientKeyPair.Public)
	// Sign as a client: the C1 digest is keyed with the Flash Player
	// constant and covers the embedded public key.
	offset := serverGenuineConstDigestOffset(clientSig[772:776])
	msg := append(append([]byte{}, clientSig[:offset]...), clientSig[offset+digestLen:]...)
	copy(clientSig[offset:offset+digestLen], calcHmac(msg, []byte(genuineFPConst)))

	result, err := GenerateS0S1S2(clientSig)
	if err != nil {
		t.Fatalf("GenerateS0S1S2: %v", err)
	}
	if result.Format != FormatS0S2 {
		t.Fatalf("Format = %d, want FormatS0S2", result.Format)
	}
	if len(result.SharedSecret) != 128 {
		t.Fatalf("len(SharedSecret) = %d, want 128", len(result.SharedSecret))
	}

	serverPublic := ExtractPeerPublicKey(result.S0S1S2[1:1+SigSize], FormatS0S2)
	wantSecret := clientKeyPair.ComputeSharedSecret(serverPublic)
	if !bytes.Equal(result.SharedSecret, wantSecret) {
		t.Fatalf("server and client shared secrets differ")
	}
}

func TestDHKeyExchangeProducesSharedSecret(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair (a): %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair (b): %v", err)
	}

	if len(a.Public) != 128 || len(b.Public) != 128 {
		t.Fatalf("public keys must be 128 bytes: got %d and %d", len(a.Public), len(b.Public))
	}

	secretA := a.ComputeSharedSecret(b.Public)
	secretB := b.ComputeSharedSecret(a.Public)

	if !bytes.Equal(secretA, secretB) {
		t.Fatalf("shared secrets differ")
	}
}

func TestStripProxyPreambleNoMarkerLeavesStreamIntact(t *testing.T) {
	data := []byte{0x03, 0x01, 0x02, 0x03}
	r := bufio.NewReader(bytes.NewReader(data))

	addr, err := StripProxyPreamble(r)
	if err != nil {
		t.Fatalf("StripProxyPreamble: %v", err)
	}
	if addr != nil {
		t.Fatalf("expected no proxy address, got %v", addr)
	}

	first, _ := r.ReadByte()
	if first != 0x03 {
		t.Fatalf("stream was consumed despite no proxy marker")
	}
}

func TestStripProxyPreambleRejectsOversizedLength(t *testing.T) {
	var data []byte
	data = append(data, proxyPreamblePrefix)
	data = append(data, 0x04, 0x01) // 1025, past the cap
	data = append(data, make([]byte, 1025)...)

	r := bufio.NewReader(bytes.NewReader(data))
	if _, err := StripProxyPreamble(r); !rtmperr.Is(err, rtmperr.ErrWireProtocol) {
		t.Fatalf("StripProxyPreamble oversized = %v, want wire protocol error", err)
	}
}

func TestStripProxyPreambleConsumesHeader(t *testing.T) {
	addrBytes := []byte("10.0.0.1:1935")
	var data []byte
	data = append(data, proxyPreamblePrefix)
	data = append(data, byte(len(addrBytes)>>8), byte(len(addrBytes)))
	data = append(data, addrBytes...)
	data = append(data, 0x03) // the real C0 version byte follows

	r := bufio.NewReader(bytes.NewReader(data))
	addr, err := StripProxyPreamble(r)
	if err != nil {
		t.Fatalf("StripProxyPreamble: %v", err)
	}
	if string(addr) != string(addrBytes) {
		t.Fatalf("addr = %q, want %q", addr, addrBytes)
	}

	next, _ := r.ReadByte()
	if next != 0x03 {
		t.Fatalf("expected version byte 0x03 after preamble, got %#x", next)
	}
}
