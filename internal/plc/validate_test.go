package plc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDID = "did:example:abc"

func TestValidate_Genesis(t *testing.T) {
	v := NewValidator(SignaturePolicyNone)
	key := newSecp256k1Key(t)

	op := withMethods(newOperation("", "key1"), "atproto", key.ref)
	require.NoError(t, v.Validate(testDID, op, nil))

	stale := newOperation("bafyreiaaaa", "key1")
	err := v.Validate(testDID, stale, nil)
	assert.True(t, IsRejected(err, ReasonInvalidGenesis), "got %v", err)
}

func TestValidate_ChainLinkage(t *testing.T) {
	v := NewValidator(SignaturePolicyNone)
	tip := newOperation("", "key1")
	tipCID := mustCID(t, tip)

	next := newOperation(tipCID, "key1")
	require.NoError(t, v.Validate(testDID, next, &tip))

	for _, prev := range []string{"", "bafyreinotthetip", tipCID + "x", "garbage"} {
		op := newOperation(prev, "key1")
		err := v.Validate(testDID, op, &tip)
		assert.True(t, IsRejected(err, ReasonStaleOrForkedPrev), "prev %q: got %v", prev, err)
	}
}

func TestValidate_CheckOrder(t *testing.T) {
	v := NewValidator(SignaturePolicyNone)
	tip := newOperation("", "key1")

	// wrong type wins over a stale prev
	op := newOperation("stale")
	op.Type = "plc_tombstone"
	err := v.Validate(testDID, op, &tip)
	assert.True(t, IsRejected(err, ReasonUnsupportedType), "got %v", err)

	// stale prev wins over missing rotation keys
	op = newOperation("stale")
	err = v.Validate(testDID, op, &tip)
	assert.True(t, IsRejected(err, ReasonStaleOrForkedPrev), "got %v", err)

	// missing rotation keys wins over an unknown key type
	op = withMethods(newOperation(""), "atproto", "did:key:zzzz")
	err = v.Validate(testDID, op, nil)
	assert.True(t, IsRejected(err, ReasonNoRotationKeys), "got %v", err)

	op = withMethods(newOperation("", "key1"), "atproto", "did:key:zzzz")
	err = v.Validate(testDID, op, nil)
	assert.True(t, IsRejected(err, ReasonUnknownKeyType), "got %v", err)
}

func TestValidate_GenesisDerivesPLC(t *testing.T) {
	v := NewValidator(SignaturePolicyNone)
	op := newOperation("", "key1")
	op.Sig = "c2ln"

	did, err := DeriveDID(op)
	require.NoError(t, err)
	require.NoError(t, v.Validate(did, op, nil))

	err = v.Validate("did:plc:aaaaaaaaaaaaaaaaaaaaaaaa", op, nil)
	assert.True(t, IsRejected(err, ReasonGenesisDIDMismatch), "got %v", err)

	// updates are not derived
	tip := op
	next := newOperation(mustCID(t, tip), "key1")
	assert.NoError(t, v.Validate("did:plc:aaaaaaaaaaaaaaaaaaaaaaaa", next, &tip))
}

func TestValidate_SignaturePolicy(t *testing.T) {
	v := NewValidator(SignaturePolicyVerify)
	assert.Equal(t, SignaturePolicyVerify, v.Policy())

	rotation := newSecp256k1Key(t)
	backup := newP256Key(t)
	outsider := newSecp256k1Key(t)

	genesis := newOperation("", rotation.ref, backup.ref)
	err := v.Validate(testDID, genesis, nil)
	assert.True(t, IsRejected(err, ReasonInvalidSignature), "unsigned: got %v", err)

	rotation.sign(t, &genesis)
	require.NoError(t, v.Validate(testDID, genesis, nil))

	// the second rotation key may sign too
	update := newOperation(mustCID(t, genesis), outsider.ref)
	backup.sign(t, &update)
	require.NoError(t, v.Validate(testDID, update, &genesis))

	// an update is authorized by the tip's keys, not its own
	hijack := newOperation(mustCID(t, genesis), outsider.ref)
	outsider.sign(t, &hijack)
	err = v.Validate(testDID, hijack, &genesis)
	assert.True(t, IsRejected(err, ReasonInvalidSignature), "got %v", err)

	// tampering after signing breaks the signature
	tampered := update
	tampered.AlsoKnownAs = []string{"at://mallory.example"}
	err = v.Validate(testDID, tampered, &genesis)
	assert.True(t, IsRejected(err, ReasonInvalidSignature), "got %v", err)
}

func TestVerifySignature_ReturnsKeyIndex(t *testing.T) {
	first := newP256Key(t)
	second := newSecp256k1Key(t)
	op := newOperation("", first.ref, second.ref)
	second.sign(t, &op)

	idx, err := VerifySignature(op, op.RotationKeys)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	op.Sig = "not-base64!"
	_, err = VerifySignature(op, op.RotationKeys)
	assert.True(t, IsRejected(err, ReasonInvalidSignature))
}

func TestParseSignaturePolicy(t *testing.T) {
	for in, want := range map[string]SignaturePolicy{"": SignaturePolicyNone, "none": SignaturePolicyNone, "VERIFY": SignaturePolicyVerify} {
		got, err := ParseSignaturePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSignaturePolicy("sometimes")
	assert.Error(t, err)
}
