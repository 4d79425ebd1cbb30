package historysync

import (
	"github.com/albatross-go/core/common"
)

// EpochNumber indexes epochs from genesis (epoch 0).
type EpochNumber uint64

// ClusterID is a monotonically increasing, globally unique identifier.
// Cluster ids are never reused, even after the cluster they named is
// destroyed (spec §9).
type ClusterID uint64

// HashType distinguishes the two kinds of hash a peer can return from a
// locator lookup.
type HashType uint8

const (
	HashTypeElection HashType = iota
	HashTypeCheckpoint
)

// TypedHash pairs a hash with the kind of block it identifies, as
// returned in a BlockHashes response.
type TypedHash struct {
	Type HashType
	Hash common.Hash
}

// EpochIds is the reconciled summary of one peer's reply to an
// election/checkpoint locator probe (spec §3, §4.1).
type EpochIds struct {
	// LocatorFound is false when the peer did not recognize any locator
	// we sent (§4.1 "hashes == null").
	LocatorFound bool

	// Ids[i] is the election-block hash of epoch FirstEpochNumber+i.
	Ids []common.Hash

	// CheckpointID, if non-nil, is the checkpoint hash of epoch
	// FirstEpochNumber+len(Ids).
	CheckpointID *common.Hash

	FirstEpochNumber EpochNumber
	Sender           common.PeerID
}

// IsFullySynced reports whether the peer has nothing to offer beyond
// what we already have (empty ids, no checkpoint).
func (e *EpochIds) IsFullySynced() bool {
	return len(e.Ids) == 0 && e.CheckpointID == nil
}

// CheckpointEpoch returns the epoch number the checkpoint (if any)
// belongs to.
func (e *EpochIds) CheckpointEpoch() EpochNumber {
	return e.FirstEpochNumber + EpochNumber(len(e.Ids))
}

// ClusterOutcome is the tri-state result of draining a cluster's stream
// to completion or failure (spec §4.5, §7, SPEC_FULL supplement #1).
type ClusterOutcome uint8

const (
	// EpochSuccessful tags a single successfully-applied epoch; it is
	// the per-PushBatchSet result, not a cluster-terminal outcome.
	EpochSuccessful ClusterOutcome = iota
	// OutcomeError marks a cluster as poisoned by an unrecoverable fetch
	// or commit failure.
	OutcomeError
	// OutcomeNoMoreEpochs is the normal termination of a cluster's
	// stream: every epoch it named has been delivered and committed.
	OutcomeNoMoreEpochs
)

func (o ClusterOutcome) String() string {
	switch o {
	case EpochSuccessful:
		return "epoch-successful"
	case OutcomeError:
		return "error"
	case OutcomeNoMoreEpochs:
		return "no-more-epochs"
	default:
		return "unknown"
	}
}

// SyncEventKind tags the two outward events the engine emits (spec §6,
// §7).
type SyncEventKind uint8

const (
	EventOutdated SyncEventKind = iota
	EventGood
)

// SyncEvent is a single item from the engine's outward event sequence.
type SyncEvent struct {
	Kind SyncEventKind
	Peer common.PeerID
}

func outdated(p common.PeerID) SyncEvent { return SyncEvent{Kind: EventOutdated, Peer: p} }
func good(p common.PeerID) SyncEvent     { return SyncEvent{Kind: EventGood, Peer: p} }
