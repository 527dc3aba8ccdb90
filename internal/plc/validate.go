package plc

import (
	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
)

// Validator enforces the structural and linkage rules a candidate operation
// must satisfy against the current tip before it is worth an append.
type Validator struct {
	policy SignaturePolicy
}

// NewValidator returns a Validator. An empty policy means SignaturePolicyNone.
func NewValidator(policy SignaturePolicy) *Validator {
	if policy == "" {
		policy = SignaturePolicyNone
	}
	return &Validator{policy: policy}
}

// Policy returns the signature policy in force.
func (v *Validator) Policy() SignaturePolicy {
	return v.policy
}

// Validate checks op as the next operation for did, where tip is the current
// chain tip or nil when did has no operations yet. Checks run in a fixed
// order and stop at the first failure:
//
//  1. the operation type is recognized
//  2. prev links to the tip, or is empty for a genesis operation
//  3. there is at least one rotation key
//  4. every verification method is a known key type
//
// A genesis operation for a did:plc identifier must also derive that
// identifier, and under SignaturePolicyVerify the sig must verify under the
// tip's rotation keys (the candidate's own keys for genesis).
func (v *Validator) Validate(did string, op model.Operation, tip *model.Operation) error {
	if op.Type != model.OperationTypePLC {
		return reject(ReasonUnsupportedType, "type %q", op.Type)
	}

	if tip != nil {
		tipCID, err := CIDString(*tip)
		if err != nil {
			return err
		}
		if op.PrevCID() != tipCID {
			return reject(ReasonStaleOrForkedPrev, "prev %q does not match tip %s", op.PrevCID(), tipCID)
		}
	} else if !op.IsGenesis() {
		return reject(ReasonInvalidGenesis, "first operation must not set prev, got %q", op.PrevCID())
	}

	if len(op.RotationKeys) == 0 {
		return reject(ReasonNoRotationKeys, "rotationKeys is empty")
	}

	if op.VerificationMethods != nil {
		for pair := op.VerificationMethods.Oldest(); pair != nil; pair = pair.Next() {
			if _, err := ParseMultikey(pair.Value); err != nil {
				return err
			}
		}
	}

	if tip == nil && IsPLC(did) {
		derived, err := DeriveDID(op)
		if err != nil {
			return err
		}
		if derived != did {
			return reject(ReasonGenesisDIDMismatch, "genesis derives %s", derived)
		}
	}

	if v.policy == SignaturePolicyVerify {
		signers := op.RotationKeys
		if tip != nil {
			signers = tip.RotationKeys
		}
		if _, err := VerifySignature(op, signers); err != nil {
			return err
		}
	}
	return nil
}
