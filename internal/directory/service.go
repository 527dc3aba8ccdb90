// Package directory resolves DIDs from their operation log and accepts new
// operations onto it. Reads run in parallel; every submission, for any DID,
// passes through one critical section that reads the tip, validates and
// appends.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/storage"
)

// Export page sizes
const (
	defaultExportCount = 10   // Used when the caller gives no count
	maxExportCount     = 1000 // Larger requests are clamped
)

// Service orchestrates resolution and submission over an operation log.
// It is safe for concurrent use.
type Service struct {
	log       storage.OperationLog // Tip reads and appends; history when it is a HistoryLog
	validator *plc.Validator       // Structural and signature checks against the tip
	logger    *slog.Logger
	// submit is the global submission lock. A weighted semaphore of one lets
	// waiters give up when their context ends.
	submit *semaphore.Weighted
}

// New returns a Service. A nil validator checks structure only; a nil logger
// uses slog.Default().
func New(log storage.OperationLog, validator *plc.Validator, logger *slog.Logger) *Service {
	if validator == nil {
		validator = plc.NewValidator(plc.SignaturePolicyNone)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		log:       log,
		validator: validator,
		logger:    logger,
		submit:    semaphore.NewWeighted(1),
	}
}

// Tip returns the most recent accepted operation for did.
func (s *Service) Tip(ctx context.Context, did string) (model.Operation, error) {
	tip, err := s.log.ReadTip(ctx, did)
	if err != nil {
		return model.Operation{}, classify("read tip", err)
	}
	return tip, nil
}

// Resolve renders the DID document from the current tip.
func (s *Service) Resolve(ctx context.Context, did string) (doc model.Document, err error) {
	defer func() { resolutionCount.WithLabelValues(resultOf(err, resultFound)).Inc() }()

	// Reads take no lock; the tip is whatever the log holds right now
	tip, err := s.Tip(ctx, did)
	if err != nil {
		return model.Document{}, err
	}
	doc, err = plc.BuildDocument(did, &tip)
	if err != nil {
		return model.Document{}, classify("build document", err)
	}
	return doc, nil
}

// Data returns the unrendered state held by the tip.
func (s *Service) Data(ctx context.Context, did string) (model.DIDData, error) {
	tip, err := s.Tip(ctx, did)
	if err != nil {
		return model.DIDData{}, err
	}
	return model.DIDData{
		DID:                 did,
		VerificationMethods: tip.VerificationMethods,
		RotationKeys:        tip.RotationKeys,
		AlsoKnownAs:         tip.AlsoKnownAs,
		Services:            tip.Services,
	}, nil
}

// Submit validates op against the current tip of did and appends it. The
// returned error is always one of ErrConflict, *plc.RejectedError,
// *plc.EncodingError or *ExternalError.
func (s *Service) Submit(ctx context.Context, did string, op model.Operation) (receipt model.Receipt, err error) {
	op.Normalize()
	// Record the outcome once, whichever path returns
	defer func() {
		result := resultOf(err, resultAccepted)
		submissionCount.WithLabelValues(result).Inc()
		switch result {
		case resultAccepted:
			s.logger.Info("operation accepted", "did", did, "cid", receipt.CID, "prev", receipt.Prev)
		case resultExternal:
			s.logger.Error("operation submission failed", "did", did, "error", err)
		default:
			s.logger.Info("operation not accepted", "did", did, "result", result, "error", err)
		}
	}()

	// Enter the critical section. Waiting ends with the request context, and
	// the lock is released on every path below.
	if err := s.submit.Acquire(ctx, 1); err != nil {
		return model.Receipt{}, &ExternalError{Op: "acquire submission lock", Err: err}
	}
	start := time.Now()
	defer func() {
		s.submit.Release(1)
		criticalSectionDuration.Observe(time.Since(start).Seconds())
	}()

	// A missing chain is not an error here: the operation must be a genesis
	var tip *model.Operation
	current, err := s.log.ReadTip(ctx, did)
	switch {
	case err == nil:
		tip = &current
	case errors.Is(err, storage.ErrNotFound):
	default:
		return model.Receipt{}, classify("read tip", err)
	}

	if err := s.validator.Validate(did, op, tip); err != nil {
		if siblingRace(op, tip, err) {
			return model.Receipt{}, ErrConflict
		}
		return model.Receipt{}, classify("validate", err)
	}

	// The log re-checks the tip on append, so a writer outside this process
	// still surfaces as ErrConflict
	expectedPrev := ""
	if tip != nil {
		if expectedPrev, err = plc.CIDString(*tip); err != nil {
			return model.Receipt{}, classify("hash tip", err)
		}
	}
	cid, err := s.log.Append(ctx, did, op, expectedPrev)
	if err != nil {
		return model.Receipt{}, classify("append", err)
	}
	return model.Receipt{Status: "success", DID: did, CID: cid, Prev: expectedPrev}, nil
}

// siblingRace reports whether a stale prev is stale only because another
// operation built on the same parent was accepted first. Two genesis
// operations for one DID share the empty parent, so a lost genesis race is a
// sibling race too. Either way the caller can rebase and retry.
func siblingRace(op model.Operation, tip *model.Operation, err error) bool {
	return tip != nil &&
		plc.IsRejected(err, plc.ReasonStaleOrForkedPrev) &&
		op.PrevCID() == tip.PrevCID()
}

// History returns every accepted operation of did, oldest first.
func (s *Service) History(ctx context.Context, did string) ([]model.Operation, error) {
	entries, err := s.Audit(ctx, did)
	if err != nil {
		return nil, err
	}
	ops := make([]model.Operation, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Operation)
	}
	return ops, nil
}

// Audit returns the log entries of did with their CIDs and timestamps.
func (s *Service) Audit(ctx context.Context, did string) ([]model.LogEntry, error) {
	hist, ok := s.log.(storage.HistoryLog)
	if !ok {
		return nil, ErrHistoryUnavailable
	}
	entries, err := hist.ListOperations(ctx, did)
	if err != nil {
		return nil, classify("list operations", err)
	}
	return entries, nil
}

// Export pages through all accepted operations that sort after the cursor.
// count is clamped to [1, 1000] with a default of 10. The next page starts
// from the createdAt and seq of the last entry returned.
func (s *Service) Export(ctx context.Context, after model.Cursor, count int) ([]model.LogEntry, error) {
	hist, ok := s.log.(storage.HistoryLog)
	if !ok {
		return nil, ErrHistoryUnavailable
	}
	// Clamp the page size
	switch {
	case count <= 0:
		count = defaultExportCount
	case count > maxExportCount:
		count = maxExportCount
	}
	entries, err := hist.Export(ctx, after, count)
	if err != nil {
		return nil, classify("export", err)
	}
	return entries, nil
}
