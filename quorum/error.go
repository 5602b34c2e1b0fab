package quorum

import "github.com/pkg/errors"

var (
	// ErrNoQuorum means no root bucket reached the threshold fraction,
	// even after pool widening.
	ErrNoQuorum = errors.New("no commitment reached quorum")

	// ErrDiversityInsufficient means a bucket was numerically large
	// enough but topologically uniform: too few distinct ASNs.  A Sybil
	// set that is big but sits in one network trips this, not quorum.
	ErrDiversityInsufficient = errors.New("agreeing peers not diverse enough")

	// ErrInvalidThreshold means the configured threshold fraction is
	// outside (0, 1].
	ErrInvalidThreshold = errors.New("threshold fraction out of range")
)
