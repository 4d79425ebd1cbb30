package historysync

import (
	"github.com/albatross-go/core/common"
	"github.com/albatross-go/core/log"
)

// clusterEpochIds is the clustering engine: it reconciles one peer's
// EpochIds summary against the current set of clusters (spec §4.3).
// It returns the peer id when the peer should be emitted as useless or
// bad, and nil when the peer was merged into one or more clusters.
func (h *HistorySync) clusterEpochIds(e *EpochIds) *common.PeerID {
	// Step A — truncate against the node's own state.
	ourEpoch := h.blockchain.ElectionHead().EpochNumber
	ids := e.Ids
	first := e.FirstEpochNumber
	checkpoint := e.CheckpointID

	if first <= ourEpoch && len(ids) > 0 {
		offset := int64(ourEpoch) - int64(first)
		if offset >= int64(len(ids)) {
			// Peer's last epoch is before our election head.
			return &e.Sender
		}
		ourIdx := int(offset)
		theirHash := ids[ourIdx]
		if theirHash != h.blockchain.ElectionHead().Hash {
			if cached, ok := h.forkMemo.Get(e.Sender); !ok || cached != theirHash {
				log.Debug("peer diverges at our election head, permanent fork", "peer", e.Sender)
				h.forkMemo.Add(e.Sender, theirHash)
			}
			return &e.Sender
		}
		ids = ids[ourIdx+1:]
		first = ourEpoch + 1
	}

	// Step B — skip what's already queued for commit.
	combined := make([]common.Hash, 0, len(ids)+1)
	combined = append(combined, ids...)
	if checkpoint != nil {
		combined = append(combined, *checkpoint)
	}

	numToRemove, lastMatchedCluster, allMatched := h.matchAgainstQueue(combined)
	if allMatched {
		if found, fin := h.findPendingFinish(lastMatchedCluster); found {
			fin.Cluster.AddPeer(e.Sender)
			h.peers.Set(e.Sender, 1)
			return nil
		}
		// Cluster still active; it will finish past the peer's view.
		return &e.Sender
	}
	// Since the walk only ever advances sequentially and stops at the
	// first non-match, a matched checkpoint implies allMatched — handled
	// above. Here numToRemove < len(combined): it covers a prefix of ids,
	// all of ids only when a trailing checkpoint was left unmatched, and
	// never the checkpoint itself.
	if numToRemove > 0 {
		ids = ids[numToRemove:]
		first = first + EpochNumber(numToRemove)
	}

	// Step C — merge with existing epoch clusters.
	newClusters := make([]*Cluster, 0)
	idIndex := 0
	newPeersInSplits := make([]common.PeerID, 0)

	allEpochClusters := h.allEpochClustersInOrder()
	for _, cl := range allEpochClusters {
		if idIndex >= len(ids) {
			break
		}
		epochAt := first + EpochNumber(idIndex)
		if !(cl.FirstEpochNumber() <= epochAt && epochAt < cl.LastEpochNumber()) {
			continue
		}

		startOffset := int(epochAt - cl.FirstEpochNumber())
		windowLen := cl.Len() - startOffset
		if windowLen > len(ids)-idIndex {
			windowLen = len(ids) - idIndex
		}

		matchUntil := 0
		for matchUntil < windowLen && cl.EpochIds()[startOffset+matchUntil] == ids[idIndex+matchUntil] {
			matchUntil++
		}

		if matchUntil == 0 {
			continue
		}

		wholeOverlap := matchUntil == windowLen
		if wholeOverlap && idIndex+matchUntil < len(ids) {
			// Matches fully into this cluster; ids may extend further
			// into a later cluster. Add peer here and keep iterating.
			cl.AddPeer(e.Sender)
			h.peers.Increment(e.Sender)
			idIndex += matchUntil
			continue
		}

		// Split whenever the cluster extends past the matched run, whether
		// the hashes diverged or the peer's ids simply ended.
		if splitAt := startOffset + matchUntil; splitAt < cl.Len() {
			switch {
			case cl == h.activeCluster:
				// cl is being streamed concurrently by its own Run
				// goroutine; SplitOff reassigns epoch_ids in place and
				// would race with (and invalidate indices held by) that
				// goroutine's in-flight fetches. Record the peer as a
				// source for the cluster without touching its range — a
				// peer that turns out not to actually hold part of the
				// untested tail just fails that one request and fails
				// over (spec §7) rather than forcing a structural split.
			case cl.numEpochsFinished > splitAt:
				// Already committed past the split point: do not split,
				// do not add the peer.
				idIndex += matchUntil
				continue
			default:
				tail := cl.SplitOff(splitAt, h.nextClusterID)
				h.nextClusterID++
				newClusters = append(newClusters, tail)
			}
		}

		cl.AddPeer(e.Sender)
		h.peers.Increment(e.Sender)
		idIndex += matchUntil
		if idIndex >= len(ids) {
			break
		}
	}

	// Step D — tail becomes a new cluster.
	if idIndex < len(ids) {
		tailIds := make([]common.Hash, len(ids)-idIndex)
		copy(tailIds, ids[idIndex:])
		nc := newCluster(h.nextClusterID, tailIds, first+EpochNumber(idIndex), e.Sender, h.blockchain, h.transport)
		h.nextClusterID++
		newClusters = append(newClusters, nc)
	}

	// Step E — checkpoint clustering.
	if checkpoint != nil {
		checkpointEpoch := first + EpochNumber(len(ids))
		merged := false
		for _, cl := range h.allCheckpointClustersInOrder() {
			if cl.Len() == 1 && cl.FirstEpochNumber() == checkpointEpoch && cl.EpochIds()[0] == *checkpoint {
				cl.AddPeer(e.Sender)
				h.peers.Increment(e.Sender)
				merged = true
				break
			}
		}
		if !merged {
			nc := newCluster(h.nextClusterID, []common.Hash{*checkpoint}, checkpointEpoch, e.Sender, h.blockchain, h.transport)
			h.nextClusterID++
			h.checkpointClusters.PushBack(nc)
			h.peers.Increment(e.Sender)
		}
	}

	// Step F — commit bookkeeping.
	for _, nc := range newClusters {
		h.epochClusters.PushBack(nc)
		for _, p := range nc.Peers().ToSlice() {
			newPeersInSplits = append(newPeersInSplits, p)
		}
	}

	// allCheckpointClustersInOrder includes the active cluster whenever
	// it is length-1, so a length-1 active checkpoint cluster can appear
	// in both traversals below; dedupe by cluster id so it is never
	// counted twice for the same peer (spec §8 invariant 1).
	total := uint32(0)
	counted := make(map[ClusterID]struct{})
	countOnce := func(cl *Cluster) {
		if _, ok := counted[cl.ID()]; ok {
			return
		}
		counted[cl.ID()] = struct{}{}
		if cl.Peers().Contains(e.Sender) {
			total++
		}
	}
	for _, cl := range h.allEpochClustersInOrder() {
		countOnce(cl)
	}
	for _, cl := range h.allCheckpointClustersInOrder() {
		countOnce(cl)
	}
	if total > 0 {
		h.peers.Set(e.Sender, total)
	}
	for _, p := range newPeersInSplits {
		if p == e.Sender {
			continue
		}
		h.peers.Increment(p)
	}

	return nil
}

// matchAgainstQueue walks combined in order together with the job
// queue, advancing through jobs until the next PushBatchSet whose hash
// equals the current id (spec §4.3 Step B). It returns how many leading
// ids of `combined` were matched, the cluster id of the last match (if
// any), and whether every id in combined (including a trailing
// checkpoint) was matched.
func (h *HistorySync) matchAgainstQueue(combined []common.Hash) (numMatched int, lastCluster ClusterID, allMatched bool) {
	jobIdx := 0
	for numMatched < len(combined) {
		found := false
		for jobIdx < h.jobQueue.Len() {
			job := h.jobQueue.At(jobIdx)
			jobIdx++
			if job.Kind != JobPushBatchSet {
				continue
			}
			if job.EpochHash == combined[numMatched] {
				lastCluster = job.ClusterID
				numMatched++
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return numMatched, lastCluster, numMatched == len(combined)
}

// findPendingFinish looks ahead in the job queue for a FinishCluster job
// whose cluster id equals clusterID (spec §4.3 Step B).
func (h *HistorySync) findPendingFinish(clusterID ClusterID) (bool, Job) {
	for i := 0; i < h.jobQueue.Len(); i++ {
		job := h.jobQueue.At(i)
		if job.Kind == JobFinishCluster && job.Cluster != nil && job.Cluster.ID() == clusterID {
			return true, job
		}
	}
	return false, Job{}
}

// allEpochClustersInOrder returns epoch_clusters ++ active_cluster, the
// iteration order spec §4.3 Step C requires.
func (h *HistorySync) allEpochClustersInOrder() []*Cluster {
	out := make([]*Cluster, 0, h.epochClusters.Len()+1)
	for i := 0; i < h.epochClusters.Len(); i++ {
		out = append(out, h.epochClusters.At(i))
	}
	if h.activeCluster != nil {
		out = append(out, h.activeCluster)
	}
	return out
}

// allCheckpointClustersInOrder returns checkpoint_clusters ++
// active_cluster (spec §4.3 Step E iterates this too, since the active
// cluster might itself be a checkpoint cluster).
func (h *HistorySync) allCheckpointClustersInOrder() []*Cluster {
	out := make([]*Cluster, 0, h.checkpointClusters.Len()+1)
	for i := 0; i < h.checkpointClusters.Len(); i++ {
		out = append(out, h.checkpointClusters.At(i))
	}
	if h.activeCluster != nil && h.activeCluster.Len() == 1 {
		out = append(out, h.activeCluster)
	}
	return out
}
