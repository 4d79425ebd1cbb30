package historysync

import "github.com/albatross-go/core/common"

// peerTable is the single source of truth for how many live clusters
// (including the active one) each peer participates in (spec §3
// "PeerRecord", §9 "Cyclic ownership"). Clusters hold peer ids only;
// this table is what decides when a peer is re-probed.
type peerTable struct {
	counts map[common.PeerID]uint32
}

func newPeerTable() *peerTable {
	return &peerTable{counts: make(map[common.PeerID]uint32)}
}

// Set inserts peer with an explicit cluster count, e.g. when the
// clustering engine first learns of it (spec §4.3 Step F).
func (t *peerTable) Set(peer common.PeerID, count uint32) {
	if count == 0 {
		delete(t.counts, peer)
		return
	}
	t.counts[peer] = count
}

// Count returns the current cluster_count for peer, or 0 if untracked.
func (t *peerTable) Count(peer common.PeerID) uint32 {
	return t.counts[peer]
}

// Increment bumps peer's count by one, saturating at the uint32 max
// (spec §4.3 Step F "saturating").
func (t *peerTable) Increment(peer common.PeerID) {
	c := t.counts[peer]
	if c == ^uint32(0) {
		return
	}
	t.counts[peer] = c + 1
}

// Decrement drops peer's count by one and reports whether it reached
// zero, in which case the caller must remove the peer from all
// bookkeeping (spec §4.5 "finish_cluster").
func (t *peerTable) Decrement(peer common.PeerID) (reachedZero bool) {
	c, ok := t.counts[peer]
	if !ok || c == 0 {
		return true
	}
	c--
	if c == 0 {
		delete(t.counts, peer)
		return true
	}
	t.counts[peer] = c
	return false
}

// Remove deletes peer from bookkeeping unconditionally, e.g. on
// transport disconnect (spec §4.6 "PeerLeft").
func (t *peerTable) Remove(peer common.PeerID) {
	delete(t.counts, peer)
}

// Has reports whether peer is currently tracked.
func (t *peerTable) Has(peer common.PeerID) bool {
	_, ok := t.counts[peer]
	return ok
}
