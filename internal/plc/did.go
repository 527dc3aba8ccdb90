package plc

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
)

// Base32 encoding scheme used for PLC identifiers
// Uses lowercase alphabet and no padding for compact representation
var (
	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

const (
	plcPrefix   = "did:plc:"
	plcIDLength = 24
)

// IsPLC reports whether did uses the did:plc method, in which case its
// identifier is derived from the genesis operation.
func IsPLC(did string) bool {
	return strings.HasPrefix(did, plcPrefix)
}

// DeriveDID computes the did:plc identifier of a signed genesis operation:
// the first 24 characters of the lowercase base32 sha256 of its canonical
// bytes.
func DeriveDID(genesis model.Operation) (string, error) {
	data, err := CanonicalBytes(genesis)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return plcPrefix + encoding.EncodeToString(sum[:])[:plcIDLength], nil
}
