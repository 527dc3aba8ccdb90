package plc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
)

type testKey struct {
	priv *ecdsa.PrivateKey
	kt   KeyType
	ref  string
}

func newSecp256k1Key(t *testing.T) testKey {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return testKey{priv: priv, kt: KeyTypeSecp256k1, ref: FormatMultikey(KeyTypeSecp256k1, crypto.CompressPubkey(&priv.PublicKey))}
}

func newP256Key(t *testing.T) testKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return testKey{priv: priv, kt: KeyTypeP256, ref: FormatMultikey(KeyTypeP256, elliptic.MarshalCompressed(elliptic.P256(), priv.X, priv.Y))}
}

func (k testKey) sign(t *testing.T, op *model.Operation) {
	t.Helper()
	data, err := SigningBytes(*op)
	require.NoError(t, err)
	hash := sha256.Sum256(data)

	var sig []byte
	switch k.kt {
	case KeyTypeSecp256k1:
		full, err := crypto.Sign(hash[:], k.priv)
		require.NoError(t, err)
		sig = full[:64]
	case KeyTypeP256:
		r, s, err := ecdsa.Sign(rand.Reader, k.priv, hash[:])
		require.NoError(t, err)
		sig = make([]byte, 64)
		r.FillBytes(sig[:32])
		s.FillBytes(sig[32:])
	}
	op.Sig = base64.RawURLEncoding.EncodeToString(sig)
}

func newOperation(prev string, rotationKeys ...string) model.Operation {
	op := model.Operation{
		Type:         model.OperationTypePLC,
		RotationKeys: rotationKeys,
	}
	if prev != "" {
		op.Prev = &prev
	}
	op.Normalize()
	return op
}

func withMethods(op model.Operation, pairs ...string) model.Operation {
	vms := orderedmap.New[string, string]()
	for i := 0; i+1 < len(pairs); i += 2 {
		vms.Set(pairs[i], pairs[i+1])
	}
	op.VerificationMethods = vms
	return op
}

func mustCID(t *testing.T, op model.Operation) string {
	t.Helper()
	c, err := CIDString(op)
	require.NoError(t, err)
	return c
}
