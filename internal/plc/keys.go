package plc

import (
	"strings"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
)

// DID document context URIs. The first two are always present; a suite
// context is added once per key type found among the verification methods.
const (
	ContextDIDv1     = "https://www.w3.org/ns/did/v1"
	ContextMultikey  = "https://w3id.org/security/multikey/v1"
	ContextP256      = "https://w3id.org/security/suites/ecdsa-2019/v1"
	ContextSecp256k1 = "https://w3id.org/security/suites/secp256k1-2019/v1"
)

const didKeyPrefix = "did:key:"

// KeyType classifies a multikey by its two-byte multicodec prefix.
type KeyType int

const (
	KeyTypeUnknown KeyType = iota
	KeyTypeP256
	KeyTypeSecp256k1
)

var (
	codecP256      = [2]byte{0x80, 0x24}
	codecSecp256k1 = [2]byte{0xE7, 0x01}
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeP256:
		return "p256"
	case KeyTypeSecp256k1:
		return "secp256k1"
	default:
		return "unknown"
	}
}

// Context returns the suite context URI for the key type.
func (k KeyType) Context() string {
	switch k {
	case KeyTypeP256:
		return ContextP256
	case KeyTypeSecp256k1:
		return ContextSecp256k1
	default:
		return ""
	}
}

func (k KeyType) codec() [2]byte {
	if k == KeyTypeP256 {
		return codecP256
	}
	return codecSecp256k1
}

// Multikey is a decoded key reference.
type Multikey struct {
	Type KeyType
	// Multibase is the reference with any did:key: prefix removed; it is what
	// documents publish as publicKeyMultibase.
	Multibase string
	// Key is the compressed public key without the multicodec prefix.
	Key []byte
}

// ParseMultikey strips a did:key: prefix, decodes the multibase payload and
// classifies it by its leading two bytes. Anything that does not decode to a
// known key type is rejected with ReasonUnknownKeyType.
func ParseMultikey(ref string) (Multikey, error) {
	raw := strings.TrimPrefix(ref, didKeyPrefix)
	_, data, err := multibase.Decode(raw)
	if err != nil {
		return Multikey{}, reject(ReasonUnknownKeyType, "key %q: %v", ref, err)
	}
	if len(data) < 2 {
		return Multikey{}, reject(ReasonUnknownKeyType, "key %q: payload too short", ref)
	}

	var kt KeyType
	switch [2]byte{data[0], data[1]} {
	case codecP256:
		kt = KeyTypeP256
	case codecSecp256k1:
		kt = KeyTypeSecp256k1
	default:
		return Multikey{}, reject(ReasonUnknownKeyType, "key %q: multicodec %#x", ref, data[:2])
	}
	return Multikey{Type: kt, Multibase: raw, Key: data[2:]}, nil
}

// FormatMultikey renders a compressed public key as a did:key reference in
// base58btc multibase.
func FormatMultikey(kt KeyType, compressed []byte) string {
	codec := kt.codec()
	payload := append(codec[:], compressed...)
	return didKeyPrefix + "z" + base58.Encode(payload)
}
