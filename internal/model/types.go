// Package model defines internal and external data shapes for the PLC
// directory. Operations are what clients submit and what the log stores;
// documents are derived on every read and never persisted.
package model

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// OperationTypePLC is the only operation variant the directory accepts.
const OperationTypePLC = "plc_operation"

// Service is a service entry of an operation, keyed by service id.
type Service struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// Operation is one signed state transition for a DID.
//
// VerificationMethods and Services keep the insertion order of the JSON they
// were decoded from. That order is what the rendered document follows, so it
// must survive storage round trips unchanged.
type Operation struct {
	Type                string                                  `json:"type"`
	RotationKeys        []string                                `json:"rotationKeys"`
	VerificationMethods *orderedmap.OrderedMap[string, string]  `json:"verificationMethods"`
	AlsoKnownAs         []string                                `json:"alsoKnownAs"`
	Services            *orderedmap.OrderedMap[string, Service] `json:"services"`
	Prev                *string                                 `json:"prev"`
	Sig                 string                                  `json:"sig,omitempty"`
}

// PrevCID returns the prev link, or "" for a genesis operation.
func (op Operation) PrevCID() string {
	if op.Prev == nil {
		return ""
	}
	return *op.Prev
}

// IsGenesis reports whether the operation starts a new chain.
func (op Operation) IsGenesis() bool {
	return op.PrevCID() == ""
}

// Normalize replaces nil collections with empty ones so the operation
// serializes with [] and {} instead of null, and folds an empty prev into nil.
func (op *Operation) Normalize() {
	if op.RotationKeys == nil {
		op.RotationKeys = []string{}
	}
	if op.AlsoKnownAs == nil {
		op.AlsoKnownAs = []string{}
	}
	if op.VerificationMethods == nil {
		op.VerificationMethods = orderedmap.New[string, string]()
	}
	if op.Services == nil {
		op.Services = orderedmap.New[string, Service]()
	}
	if op.Prev != nil && *op.Prev == "" {
		op.Prev = nil
	}
}

// Document is the DID document rendered from the tip operation. Field order
// matches the JSON other resolvers expect.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Service            []DocumentService    `json:"service"`
}

// VerificationMethod is a key entry of a Document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// DocumentService is a service entry of a Document.
type DocumentService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// DIDData is the unrendered view of the tip returned by GET /{did}/data.
type DIDData struct {
	DID                 string                                  `json:"did"`
	VerificationMethods *orderedmap.OrderedMap[string, string]  `json:"verificationMethods"`
	RotationKeys        []string                                `json:"rotationKeys"`
	AlsoKnownAs         []string                                `json:"alsoKnownAs"`
	Services            *orderedmap.OrderedMap[string, Service] `json:"services"`
}

// LogEntry is one accepted operation as kept by backends with full history.
// Seq is the position of the entry in the global append order of its backend.
type LogEntry struct {
	Seq       uint64    `json:"seq"`
	DID       string    `json:"did"`
	Operation Operation `json:"operation"`
	CID       string    `json:"cid"`
	Nullified bool      `json:"nullified"`
	CreatedAt time.Time `json:"createdAt"`
}

// Cursor marks a position in the export order, which sorts entries by
// creation time and then by Seq. Several entries can share a creation time,
// so a page that ends partway through them resumes from the Seq of its last
// entry. A zero Seq skips every entry created at After.
type Cursor struct {
	After time.Time
	Seq   uint64
}

// Covers reports whether e sorts at or before c, so a page starting from c
// must skip it.
func (c Cursor) Covers(e LogEntry) bool {
	switch {
	case e.CreatedAt.Before(c.After):
		return true
	case e.CreatedAt.After(c.After):
		return false
	}
	return c.Seq == 0 || e.Seq <= c.Seq
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	Status string `json:"status"`
	DID    string `json:"did"`
	CID    string `json:"cid"`
	Prev   string `json:"prev,omitempty"`
}
