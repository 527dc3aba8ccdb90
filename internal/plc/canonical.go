// Package plc implements the did:plc operation-log model: canonical DAG-CBOR
// encoding and content identifiers, validation of a candidate operation
// against the chain tip, and rendering of the tip into a DID document.
package plc

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
)

// cborField is one map entry of the encoded operation. Entries are written in
// DAG-CBOR key order (shorter keys first, then bytewise), never in the order
// the operation happened to be built or decoded in.
type cborField struct {
	key   string
	write func(cw *cbg.CborWriter) error
}

// CanonicalBytes returns the DAG-CBOR encoding of the signed operation. The
// signature is included when present; this is the encoding the CID covers.
func CanonicalBytes(op model.Operation) ([]byte, error) {
	return encodeOperation(op, op.Sig != "")
}

// SigningBytes returns the DAG-CBOR encoding of the operation without its
// signature, which is what rotation keys sign.
func SigningBytes(op model.Operation) ([]byte, error) {
	return encodeOperation(op, false)
}

// ContentIdentifier wraps a sha2-256 digest of data in a CIDv1 with the
// dag-cbor codec. Its String form is base32 multibase ("bafyrei...").
func ContentIdentifier(data []byte) (cid.Cid, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash operation: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, sum), nil
}

// CID derives the content identifier of op from its canonical bytes.
func CID(op model.Operation) (cid.Cid, error) {
	data, err := CanonicalBytes(op)
	if err != nil {
		return cid.Undef, err
	}
	return ContentIdentifier(data)
}

// CIDString is CID rendered as text, the form used for prev links.
func CIDString(op model.Operation) (string, error) {
	c, err := CID(op)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

func encodeOperation(op model.Operation, withSig bool) ([]byte, error) {
	fields := []cborField{
		{key: "type", write: textValue("type", op.Type)},
		{key: "prev", write: prevValue(op.Prev)},
		{key: "rotationKeys", write: textArray("rotationKeys", op.RotationKeys)},
		{key: "alsoKnownAs", write: textArray("alsoKnownAs", op.AlsoKnownAs)},
		{key: "verificationMethods", write: verificationMethodsValue(op)},
		{key: "services", write: servicesValue(op)},
	}
	if withSig {
		fields = append(fields, cborField{key: "sig", write: textValue("sig", op.Sig)})
	}

	var buf bytes.Buffer
	cw := cbg.NewCborWriter(&buf)
	if err := writeMap(cw, fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeMap(cw *cbg.CborWriter, fields []cborField) error {
	slices.SortFunc(fields, func(a, b cborField) int {
		if len(a.key) != len(b.key) {
			return len(a.key) - len(b.key)
		}
		return strings.Compare(a.key, b.key)
	})
	for i := 1; i < len(fields); i++ {
		if fields[i].key == fields[i-1].key {
			return &EncodingError{Field: fields[i].key, Err: errors.New("duplicate map key")}
		}
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, uint64(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if err := writeText(cw, f.key, f.key); err != nil {
			return err
		}
		if err := f.write(cw); err != nil {
			return err
		}
	}
	return nil
}

func writeText(cw *cbg.CborWriter, field, s string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Field: field, Err: errors.New("string is not valid utf-8")}
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.WriteString(s)
	return err
}

func textValue(field, s string) func(*cbg.CborWriter) error {
	return func(cw *cbg.CborWriter) error {
		return writeText(cw, field, s)
	}
}

func prevValue(prev *string) func(*cbg.CborWriter) error {
	return func(cw *cbg.CborWriter) error {
		if prev == nil || *prev == "" {
			_, err := cw.Write(cbg.CborNull)
			return err
		}
		return writeText(cw, "prev", *prev)
	}
}

func textArray(field string, values []string) func(*cbg.CborWriter) error {
	return func(cw *cbg.CborWriter) error {
		if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(values))); err != nil {
			return err
		}
		for _, v := range values {
			if err := writeText(cw, field, v); err != nil {
				return err
			}
		}
		return nil
	}
}

func verificationMethodsValue(op model.Operation) func(*cbg.CborWriter) error {
	return func(cw *cbg.CborWriter) error {
		var fields []cborField
		if op.VerificationMethods != nil {
			for pair := op.VerificationMethods.Oldest(); pair != nil; pair = pair.Next() {
				fields = append(fields, cborField{
					key:   pair.Key,
					write: textValue("verificationMethods."+pair.Key, pair.Value),
				})
			}
		}
		return writeMap(cw, fields)
	}
}

func servicesValue(op model.Operation) func(*cbg.CborWriter) error {
	return func(cw *cbg.CborWriter) error {
		var fields []cborField
		if op.Services != nil {
			for pair := op.Services.Oldest(); pair != nil; pair = pair.Next() {
				svc := pair.Value
				prefix := "services." + pair.Key
				fields = append(fields, cborField{
					key: pair.Key,
					write: func(cw *cbg.CborWriter) error {
						return writeMap(cw, []cborField{
							{key: "type", write: textValue(prefix+".type", svc.Type)},
							{key: "endpoint", write: textValue(prefix+".endpoint", svc.Endpoint)},
						})
					},
				})
			}
		}
		return writeMap(cw, fields)
	}
}
