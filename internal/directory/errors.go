package directory

import (
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/storage"
)

var (
	// ErrNotFound means the DID has no accepted operations.
	ErrNotFound = errors.New("no operations found for did")
	// ErrConflict means the chain tip moved while the submission was in
	// flight. The caller may re-read the tip and resubmit.
	ErrConflict = errors.New("chain tip changed, retry against the current tip")
	// ErrHistoryUnavailable is returned by the history views when the
	// backend only keeps the tip of each chain.
	ErrHistoryUnavailable = errors.New("backend does not keep operation history")
)

// ExternalError is a failure of the operation log backend, including
// timeouts. The submission lock has been released when it is returned.
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("operation log %s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// classify maps backend and core errors onto the directory taxonomy. Anything
// it does not recognize, timeouts included, is a backend failure.
func classify(op string, err error) error {
	var (
		rej *plc.RejectedError
		enc *plc.EncodingError
		ext *ExternalError
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, plc.ErrNotFound), errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrConflict), errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.As(err, &rej), errors.As(err, &enc), errors.As(err, &ext):
		return err
	default:
		return &ExternalError{Op: op, Err: err}
	}
}
