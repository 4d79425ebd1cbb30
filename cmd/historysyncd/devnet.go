package main

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/albatross-go/core/common"
	"github.com/albatross-go/core/historysync"
	"github.com/albatross-go/core/log"
)

// devnetBlockchain and devnetTransport are a self-contained, in-memory
// stand-in for the real blockchain store and wire transport, which are
// both external collaborators this core never implements (spec §1). They
// exist only so historysyncd can run end to end without a real node
// attached, the way geth's --dev mode fakes a network around a single
// in-process chain.

type devnetGuard struct {
	mu *sync.RWMutex
}

func (g *devnetGuard) Upgrade() { g.mu.Lock() }

type devnetBlockchain struct {
	mu           sync.RWMutex
	electionHead historysync.ElectionHead
	macroHead    common.Hash
}

func newDevnetBlockchain(genesis common.Hash) *devnetBlockchain {
	return &devnetBlockchain{
		electionHead: historysync.ElectionHead{Hash: genesis, EpochNumber: 0},
		macroHead:    genesis,
	}
}

func (b *devnetBlockchain) ElectionHead() historysync.ElectionHead {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.electionHead
}

func (b *devnetBlockchain) MacroHead() common.Hash {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.macroHead
}

func (b *devnetBlockchain) AcquireGuard() historysync.CommitGuard {
	return &devnetGuard{mu: &b.mu}
}

func (b *devnetBlockchain) PushHistorySync(guard historysync.CommitGuard, block historysync.MacroBlock, history []historysync.HistoryItem) (historysync.ClusterOutcome, error) {
	g, ok := guard.(*devnetGuard)
	if !ok {
		return historysync.OutcomeError, errors.New("historysyncd: guard not acquired from this blockchain")
	}
	g.Upgrade()
	defer b.mu.Unlock()

	if block.EpochNumber <= b.electionHead.EpochNumber {
		return historysync.OutcomeError, errors.Errorf("historysyncd: epoch %d does not extend head %d", block.EpochNumber, b.electionHead.EpochNumber)
	}
	b.electionHead = historysync.ElectionHead{Hash: block.Hash, EpochNumber: block.EpochNumber}
	b.macroHead = block.Hash
	log.Debug("devnet: committed epoch", "epoch", block.EpochNumber, "history_items", len(history))
	return historysync.EpochSuccessful, nil
}

// devnetChain is a deterministic, append-only sequence of fake election
// hashes shared by every simulated peer, standing in for "the canonical
// history" a real set of peers would serve.
type devnetChain struct {
	hashes []common.Hash
}

func newDevnetChain(genesis common.Hash, length int) *devnetChain {
	hashes := make([]common.Hash, length+1)
	hashes[0] = genesis
	for i := 1; i <= length; i++ {
		h := genesis
		// Perturb deterministically so every epoch gets a distinct hash.
		binary.BigEndian.PutUint64(h[:8], binary.BigEndian.Uint64(h[:8])^uint64(i))
		hashes[i] = h
	}
	return &devnetChain{hashes: hashes}
}

type devnetTransport struct {
	chain  *devnetChain
	events chan historysync.PeerEvent
}

func newDevnetTransport(chain *devnetChain, peers []common.PeerID) *devnetTransport {
	t := &devnetTransport{
		chain:  chain,
		events: make(chan historysync.PeerEvent, len(peers)+1),
	}
	for _, p := range peers {
		t.events <- historysync.PeerEvent{Kind: historysync.PeerJoined, Peer: p}
	}
	return t
}

func (t *devnetTransport) RequestBlockHashes(ctx context.Context, peer common.PeerID, req historysync.RequestBlockHashes) (*historysync.BlockHashes, error) {
	if len(req.Locators) == 0 {
		return nil, errors.New("historysyncd: empty locator list")
	}
	// The simulated peer recognizes the first locator it finds in its
	// own chain and replies with every election hash after it, matching
	// spec §4.1's "recipient uses the first locator it recognizes".
	var afterEpoch historysync.EpochNumber
	found := false
	for _, loc := range req.Locators {
		for i, h := range t.chain.hashes {
			if h == loc {
				afterEpoch = historysync.EpochNumber(i)
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return &historysync.BlockHashes{Hashes: nil}, nil
	}

	max := int(req.MaxBlocks)
	out := make([]historysync.TypedHash, 0, max)
	for n := afterEpoch + 1; int(n) < len(t.chain.hashes) && len(out) < max; n++ {
		out = append(out, historysync.TypedHash{Type: historysync.HashTypeElection, Hash: t.chain.hashes[n]})
	}
	return &historysync.BlockHashes{Hashes: out}, nil
}

func (t *devnetTransport) RequestBatchSet(ctx context.Context, peer common.PeerID, req historysync.RequestBatchSet) (*historysync.BatchSet, error) {
	epoch := historysync.EpochNumber(0)
	for i, h := range t.chain.hashes {
		if h == req.Hash {
			epoch = historysync.EpochNumber(i)
			break
		}
	}
	return &historysync.BatchSet{
		Block:   historysync.MacroBlock{Hash: req.Hash, EpochNumber: epoch},
		History: []historysync.HistoryItem{{Raw: []byte("devnet-history")}},
	}, nil
}

func (t *devnetTransport) Close(peer common.PeerID, reason historysync.CloseReason) {
	log.Debug("devnet: closing simulated connection", "peer", peer, "reason", reason)
}

func (t *devnetTransport) Events() <-chan historysync.PeerEvent { return t.events }
