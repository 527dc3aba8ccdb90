package plc

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
)

//go:embed operation.schema.json
var operationSchemaJSON []byte

var (
	operationSchema *gojsonschema.Schema
	loadSchemaOnce  sync.Once
	errLoadSchema   error
)

func loadSchema() (*gojsonschema.Schema, error) {
	loadSchemaOnce.Do(func() {
		operationSchema, errLoadSchema = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(operationSchemaJSON))
	})
	return operationSchema, errLoadSchema
}

// DecodeOperation parses a JSON operation. Values outside the operation's
// type domain, such as a non-string verification method, fail with
// *EncodingError. The result is normalized and keeps the key order of its
// verificationMethods and services objects.
func DecodeOperation(data []byte) (model.Operation, error) {
	// encoding/json would replace invalid bytes with U+FFFD, so the CID
	// would cover content the client never sent.
	if !utf8.Valid(data) {
		return model.Operation{}, &EncodingError{Err: errors.New("operation is not valid utf-8")}
	}
	schema, err := loadSchema()
	if err != nil {
		return model.Operation{}, fmt.Errorf("load operation schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return model.Operation{}, &EncodingError{Err: err}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return model.Operation{}, &EncodingError{Field: first.Field(), Err: errors.New(first.Description())}
	}

	var op model.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return model.Operation{}, &EncodingError{Err: err}
	}
	op.Normalize()
	return op, nil
}

// EncodeOperation renders op as JSON in stored key order.
func EncodeOperation(op model.Operation) ([]byte, error) {
	op.Normalize()
	data, err := json.Marshal(op)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return data, nil
}
