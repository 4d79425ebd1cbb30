package historysync

import "github.com/albatross-go/core/common"

// MacroBlock and HistoryItem are opaque to the sync engine: it only
// ever moves them between the transport and the blockchain collaborator
// (spec §6 "opaque to the engine").
type MacroBlock struct {
	Hash        common.Hash
	EpochNumber EpochNumber
}

type HistoryItem struct {
	Raw []byte
}

// BatchSet is the unit committed to the blockchain during sync: a macro
// block plus the history items of its batch (spec GLOSSARY).
type BatchSet struct {
	Block   MacroBlock
	History []HistoryItem
}

// ElectionHead describes the node's current election-block tip.
type ElectionHead struct {
	Hash        common.Hash
	EpochNumber EpochNumber
}

// CommitGuard is the upgradable read/exclusive-write lock handle held for
// the duration of a single push_history_sync call (spec §5 "Shared
// resources"). The blockchain collaborator defines what it actually is;
// the engine only ever threads it through unexamined.
type CommitGuard interface {
	// Upgrade must block until exclusive access is held, and release it
	// automatically when the call that requested it returns.
	Upgrade()
}

// Blockchain is the narrow read/write contract the clustering engine
// needs from the block store (spec §6 "Consumed"). Everything else —
// validation, state transition, account machinery — lives outside this
// core and is reached only through this interface.
type Blockchain interface {
	// ElectionHead and MacroHead are read under a single consistent
	// snapshot by callers that need both (spec §4.1 "Locator
	// construction").
	ElectionHead() ElectionHead
	MacroHead() common.Hash

	// AcquireGuard returns a fresh CommitGuard for one PushHistorySync
	// call. The blockchain collaborator owns whatever locking this
	// wraps (spec §5 "guarded by an upgradable read/exclusive write
	// lock").
	AcquireGuard() CommitGuard

	// PushHistorySync atomically applies one epoch's batch set. It must
	// run to completion without blocking the caller's goroutine
	// scheduler indefinitely — the engine always invokes it from a
	// dedicated commit worker, never from the driver goroutine (spec §9
	// "Commit on a worker").
	PushHistorySync(guard CommitGuard, block MacroBlock, history []HistoryItem) (ClusterOutcome, error)
}
