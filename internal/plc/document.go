package plc

import (
	"slices"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
)

const verificationMethodType = "Multikey"

// BuildDocument renders the DID document for did from its tip operation.
// It returns ErrNotFound when tip is nil. A verification method of unknown
// key type fails the whole build; no partial document is returned.
//
// Verification methods and services follow the stored order of the tip's
// maps, and suite contexts follow the order key types are first seen, so the
// same tip always renders to the same bytes.
func BuildDocument(did string, tip *model.Operation) (model.Document, error) {
	if tip == nil {
		return model.Document{}, ErrNotFound
	}

	doc := model.Document{
		Context:            []string{ContextDIDv1, ContextMultikey},
		ID:                 did,
		AlsoKnownAs:        append([]string{}, tip.AlsoKnownAs...),
		VerificationMethod: []model.VerificationMethod{},
		Service:            []model.DocumentService{},
	}

	if tip.VerificationMethods != nil {
		for pair := tip.VerificationMethods.Oldest(); pair != nil; pair = pair.Next() {
			mk, err := ParseMultikey(pair.Value)
			if err != nil {
				return model.Document{}, err
			}
			if ctx := mk.Type.Context(); !slices.Contains(doc.Context, ctx) {
				doc.Context = append(doc.Context, ctx)
			}
			doc.VerificationMethod = append(doc.VerificationMethod, model.VerificationMethod{
				ID:                 did + "#" + pair.Key,
				Type:               verificationMethodType,
				Controller:         did,
				PublicKeyMultibase: mk.Multibase,
			})
		}
	}

	if tip.Services != nil {
		for pair := tip.Services.Oldest(); pair != nil; pair = pair.Next() {
			doc.Service = append(doc.Service, model.DocumentService{
				ID:              "#" + pair.Key,
				Type:            pair.Value.Type,
				ServiceEndpoint: pair.Value.Endpoint,
			})
		}
	}
	return doc, nil
}
