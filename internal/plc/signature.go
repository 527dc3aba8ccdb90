package plc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
)

// SignaturePolicy decides whether the validator checks operation signatures
// itself or leaves that to the log backend.
type SignaturePolicy string

const (
	// SignaturePolicyNone accepts any sig and relies on the backend.
	SignaturePolicyNone SignaturePolicy = "none"
	// SignaturePolicyVerify requires sig to verify under an authorized rotation key.
	SignaturePolicyVerify SignaturePolicy = "verify"
)

// ParseSignaturePolicy maps a configuration value to a policy. Empty means none.
func ParseSignaturePolicy(s string) (SignaturePolicy, error) {
	switch SignaturePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SignaturePolicyNone:
		return SignaturePolicyNone, nil
	case SignaturePolicyVerify:
		return SignaturePolicyVerify, nil
	default:
		return "", fmt.Errorf("unknown signature policy %q", s)
	}
}

// VerifySignature checks that op.Sig is a compact (r||s) ECDSA signature
// over the sha256 of the signing bytes made by one of keys. It returns the
// index of the key that verified.
func VerifySignature(op model.Operation, keys []string) (int, error) {
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(op.Sig, "="))
	if err != nil || len(sig) != 64 {
		return -1, reject(ReasonInvalidSignature, "sig must be base64url of 64 bytes")
	}
	data, err := SigningBytes(op)
	if err != nil {
		return -1, err
	}
	hash := sha256.Sum256(data)

	for i, ref := range keys {
		mk, err := ParseMultikey(ref)
		if err != nil {
			continue
		}
		if verifyWith(mk, hash[:], sig) {
			return i, nil
		}
	}
	return -1, reject(ReasonInvalidSignature, "no rotation key verifies the signature")
}

func verifyWith(mk Multikey, hash, sig []byte) bool {
	switch mk.Type {
	case KeyTypeSecp256k1:
		pub, err := secp256k1.ParsePubKey(mk.Key)
		if err != nil {
			return false
		}
		var r, s secp256k1.ModNScalar
		if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) {
			return false
		}
		return secpecdsa.NewSignature(&r, &s).Verify(hash, pub)
	case KeyTypeP256:
		curve := elliptic.P256()
		x, y := elliptic.UnmarshalCompressed(curve, mk.Key)
		if x == nil {
			return false
		}
		pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		return ecdsa.Verify(pub, hash, r, s)
	default:
		return false
	}
}
