// Package policy decides which outputs are worth fetching and retaining
// in full.  It is policy only: a classification picks between keeping
// the whole script or a stub of it, and can never make an output
// unspendable or a transaction invalid.
package policy

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// Category is what kind of output the classifier thinks it's looking at.
type Category uint8

const (
	// Normal outputs get their full script fetched and retained.
	Normal Category = iota

	// Dust outputs cost more to spend than they're worth.
	Dust

	// InscriptionLike outputs carry data payloads dressed up as
	// spending conditions.
	InscriptionLike

	// Unclassified is for scripts the rules don't recognize; treated
	// like Normal, since the safe default is to keep everything.
	Unclassified
)

func (c Category) String() string {
	switch c {
	case Normal:
		return "normal"
	case Dust:
		return "dust"
	case InscriptionLike:
		return "inscription-like"
	case Unclassified:
		return "unclassified"
	}
	return "unknown"
}

// Classification is a category plus how sure the rules are about it.
type Classification struct {
	Category   Category
	Confidence float32
}

// Filtered says whether an output with this classification should be
// kept as a stub instead of in full.
func (c Classification) Filtered() bool {
	return c.Category == Dust || c.Category == InscriptionLike
}

// Classifier is the pluggable spam policy.  Classify must be pure and
// deterministic; the sync engine consults it only for fetch/retain
// decisions, never for validity.
type Classifier interface {
	Classify(out *wire.TxOut) Classification
}

// MinRelayTxFee is the default fee rate the dust rule prices spending
// against, in satoshi per kilobyte.
const MinRelayTxFee = btcutil.Amount(1000)

// MaxDataCarrierSize is how much pushed data a nulldata script can carry
// before it's classified as inscription-like rather than a small data
// carrier.
const MaxDataCarrierSize = 80

// DefaultClassifier is the stock rule set: dust thresholding, nulldata
// and envelope detection.  The exact rules are expected to keep
// evolving; everything downstream goes through the Classifier interface
// so they can.
type DefaultClassifier struct {
	// RelayFee prices the dust rule.  Zero means MinRelayTxFee.
	RelayFee btcutil.Amount
}

// Classify implements Classifier.
func (dc *DefaultClassifier) Classify(out *wire.TxOut) Classification {
	relayFee := dc.RelayFee
	if relayFee == 0 {
		relayFee = MinRelayTxFee
	}

	// Envelope first: IsUnspendable also trips on unparseable scripts,
	// and envelope payload bytes routinely look like a truncated push.
	if hasEnvelope(out.PkScript) {
		return Classification{Category: InscriptionLike, Confidence: 0.7}
	}

	if txscript.IsUnspendable(out.PkScript) {
		if len(out.PkScript) > MaxDataCarrierSize {
			return Classification{Category: InscriptionLike, Confidence: 0.9}
		}
		// small nulldata, prunable but conventional
		return Classification{Category: Dust, Confidence: 0.8}
	}

	if isDust(out, relayFee) {
		return Classification{Category: Dust, Confidence: 0.9}
	}

	cls := txscript.GetScriptClass(out.PkScript)
	if cls == txscript.NonStandardTy {
		return Classification{Category: Unclassified, Confidence: 0.5}
	}
	return Classification{Category: Normal, Confidence: 1}
}

// isDust is the usual relay rule: an output is dust when its value is
// under 1/3 of the fee to relay both the output and the input that will
// eventually spend it.
func isDust(out *wire.TxOut, relayFee btcutil.Amount) bool {
	// 148 bytes is the input cost of spending a p2pkh-sized output;
	// close enough for a policy decision on any script kind
	totalSize := out.SerializeSize() + 148
	threshold := 3 * int64(totalSize) * int64(relayFee) / 1000
	return out.Value < threshold
}

// hasEnvelope scans a script for the OP_FALSE OP_IF data envelope that
// inscription payloads hide in.  The envelope never executes, so it's
// invisible to validity and pure payload.
func hasEnvelope(script []byte) bool {
	for i := 0; i+1 < len(script); i++ {
		if script[i] == txscript.OP_FALSE && script[i+1] == txscript.OP_IF {
			return true
		}
	}
	return false
}
