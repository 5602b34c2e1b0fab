package csn

import "github.com/pkg/errors"

var (
	// ErrNoPeers means the engine was started with nothing to sync
	// against.
	ErrNoPeers = errors.New("no peers configured")

	// ErrChunkMismatch means the fully downloaded set doesn't land on
	// the accepted commitment, which shouldn't survive per-entry proof
	// checking and means the download must be redone.
	ErrChunkMismatch = errors.New("downloaded set does not match accepted commitment")

	// ErrReorgTooDeep means the header chain abandoned more blocks
	// than the undo log covers; the engine can't roll back past its
	// safety depth.
	ErrReorgTooDeep = errors.New("reorg deeper than safety depth")

	// ErrBadBlock means a peer served a block that doesn't hash to the
	// validated header.  Per-datum: rejected and re-sourced.
	ErrBadBlock = errors.New("block does not match validated header")
)

// failure ties a fatal error to the phase it happened in, which is what
// the operator gets shown.
type failure struct {
	phase SyncState
	cause error
}

func (f *failure) Error() string {
	return "sync failed during " + f.phase.String() + ": " + f.cause.Error()
}

func (f *failure) Unwrap() error {
	return f.cause
}
