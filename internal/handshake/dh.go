package handshake

import (
	"crypto/rand"
	"math/big"
)

// RFC2409 Oakley Group 2, the classic 1024-bit MODP prime used by the
// RTMP complex handshake's Diffie-Hellman key exchange.
const rfc2409Prime1024Hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
	"129024E088A67CC74020BBEA63B139B22514A08798E3404" +
	"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C" +
	"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406" +
	"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE" +
	"65381FFFFFFFFFFFFFFFF"

const dhGenerator = 2

// dhGroup2 lazily parses the RFC2409 Group 2 prime.
var dhGroup2Prime = func() *big.Int {
	p, ok := new(big.Int).SetString(rfc2409Prime1024Hex, 16)
	if !ok {
		panic("handshake: invalid embedded RFC2409 prime")
	}
	return p
}()

// KeyPair holds one side's classic Diffie-Hellman key material for the
// RTMP complex handshake.
type KeyPair struct {
	private *big.Int
	Public  []byte // 128-byte big-endian public key
}

// GenerateKeyPair creates a fresh 1024-bit DH key pair. A public key
// that serializes to fewer than 128 bytes (its most significant byte is
// zero) is regenerated rather than zero-padded, since some peers reject
// a short-looking key.
func GenerateKeyPair() (*KeyPair, error) {
	for {
		private, err := rand.Int(rand.Reader, dhGroup2Prime)
		if err != nil {
			return nil, err
		}
		if private.Sign() == 0 {
			continue
		}

		public := new(big.Int).Exp(big.NewInt(dhGenerator), private, dhGroup2Prime)
		pubBytes := public.Bytes()
		if len(pubBytes) < 128 {
			continue // short key, regenerate
		}
		if len(pubBytes) > 128 {
			pubBytes = pubBytes[len(pubBytes)-128:]
		}

		return &KeyPair{private: private, Public: pubBytes}, nil
	}
}

// ComputeSharedSecret derives the shared secret from the peer's public
// key, zero-padded/truncated to 128 bytes as the wire format requires.
func (k *KeyPair) ComputeSharedSecret(peerPublic []byte) []byte {
	peer := new(big.Int).SetBytes(peerPublic)
	shared := new(big.Int).Exp(peer, k.private, dhGroup2Prime)
	secret := shared.Bytes()
	if len(secret) >= 128 {
		return secret[len(secret)-128:]
	}
	out := make([]byte, 128)
	copy(out[128-len(secret):], secret)
	return out
}

// dhOffset locates the 128-byte DH public-key slot within a handshake
// payload, using the same sum-mod-N-plus-base formula the digest offset
// uses, but over the key-size window (632 possible positions instead of
// 728, reflecting the smaller remaining space once the 128-byte key
// block is carved out).
func dhOffset(buf []byte, schema uint32) uint32 {
	if schema == FormatS1S1 {
		sum := uint32(buf[1532]) + uint32(buf[1533]) + uint32(buf[1534]) + uint32(buf[1535])
		return (sum % 632) + 772
	}
	sum := uint32(buf[768]) + uint32(buf[769]) + uint32(buf[770]) + uint32(buf[771])
	return (sum % 632) + 8
}

// ExtractPeerPublicKey reads the 128-byte DH public key out of a C1/S1
// payload for the given schema.
func ExtractPeerPublicKey(sig []byte, schema uint32) []byte {
	offset := dhOffset(sig, schema)
	return sig[offset : offset+128]
}

// EmbedPublicKey writes a 128-byte DH public key into a C1/S1-sized
// payload at the slot the given schema designates.
func EmbedPublicKey(sig []byte, schema uint32, public []byte) {
	offset := dhOffset(sig, schema)
	copy(sig[offset:offset+128], public)
}
