package historysync

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/albatross-go/core/common"
)

// h builds a deterministic 32-byte hash for epoch n, optionally tagged
// with a fork variant v so two peers can disagree at a given epoch
// without colliding by accident (spec §8 "h(n,v)").
func h(n uint64, v byte) common.Hash {
	var b [32]byte
	binary.BigEndian.PutUint64(b[0:8], n)
	b[9] = v
	return common.Hash(b)
}

// fakeGuard is a no-op CommitGuard for tests that don't exercise real
// locking.
type fakeGuard struct{}

func (fakeGuard) Upgrade() {}

// fakeBlockchain is a minimal, test-only Blockchain: a fixed election
// head plus a recording of every PushHistorySync call.
type fakeBlockchain struct {
	mu     sync.Mutex
	head   ElectionHead
	macro  common.Hash
	pushed []BatchSet
	outcome ClusterOutcome
	err    error
}

func newFakeBlockchain(epoch EpochNumber, headHash common.Hash) *fakeBlockchain {
	return &fakeBlockchain{
		head:    ElectionHead{Hash: headHash, EpochNumber: epoch},
		macro:   headHash,
		outcome: EpochSuccessful,
	}
}

func (b *fakeBlockchain) ElectionHead() ElectionHead {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

func (b *fakeBlockchain) MacroHead() common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.macro
}

func (b *fakeBlockchain) AcquireGuard() CommitGuard { return fakeGuard{} }

func (b *fakeBlockchain) PushHistorySync(guard CommitGuard, block MacroBlock, history []HistoryItem) (ClusterOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushed = append(b.pushed, BatchSet{Block: block, History: history})
	return b.outcome, b.err
}

// fakeTransport serves canned RequestBlockHashes/RequestBatchSet
// responses keyed by peer, and records Close calls.
type fakeTransport struct {
	mu sync.Mutex

	hashesResp map[common.PeerID]*BlockHashes
	hashesErr  map[common.PeerID]error
	batchErr   map[common.PeerID]error

	closed []common.PeerID
	events chan PeerEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		hashesResp: make(map[common.PeerID]*BlockHashes),
		hashesErr:  make(map[common.PeerID]error),
		batchErr:   make(map[common.PeerID]error),
		events:     make(chan PeerEvent, 16),
	}
}

func (t *fakeTransport) RequestBlockHashes(ctx context.Context, peer common.PeerID, req RequestBlockHashes) (*BlockHashes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.hashesErr[peer]; err != nil {
		return nil, err
	}
	resp := t.hashesResp[peer]
	if resp == nil {
		resp = &BlockHashes{}
	}
	return resp, nil
}

func (t *fakeTransport) RequestBatchSet(ctx context.Context, peer common.PeerID, req RequestBatchSet) (*BatchSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.batchErr[peer]; err != nil {
		return nil, err
	}
	return &BatchSet{Block: MacroBlock{Hash: req.Hash}}, nil
}

func (t *fakeTransport) Close(peer common.PeerID, reason CloseReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, peer)
}

func (t *fakeTransport) Events() <-chan PeerEvent { return t.events }

// hashRun builds a contiguous slice of epoch hashes for epochs
// [first, first+n), tagged with variant v.
func hashRun(first EpochNumber, n int, v byte) []common.Hash {
	out := make([]common.Hash, n)
	for i := 0; i < n; i++ {
		out[i] = h(uint64(first)+uint64(i), v)
	}
	return out
}
