package quorum

import "github.com/mit-dci/utxosync/commitment"

// SessionState tracks where one consensus session is in its life.
type SessionState uint8

const (
	SessionIdle SessionState = iota
	SessionFanningOut
	SessionCollecting
	SessionQuorate
	SessionNoQuorum
	SessionTimeout
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionFanningOut:
		return "fanning-out"
	case SessionCollecting:
		return "collecting"
	case SessionQuorate:
		return "quorate"
	case SessionNoQuorum:
		return "no-quorum"
	case SessionTimeout:
		return "timeout"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// session is the per-request state: who was asked, who said what.
// Created per checkpoint request and thrown away after resolution;
// the only thing that outlives it is the reliability tracker.
type session struct {
	targetHeight    int32
	threshold       float64
	minDistinctASNs int
	state           SessionState

	// responses by peer address
	responses map[string]*commitment.Commitment
}

// peerResponse is what one fan-out task reports back on the collection
// channel.
type peerResponse struct {
	peer PeerInfo
	c    *commitment.Commitment
	err  error
}
