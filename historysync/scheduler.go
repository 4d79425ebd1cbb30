package historysync

// popNextCluster picks the best cluster to actively pull next (spec
// §4.4). It prefers epoch_clusters over checkpoint_clusters; within
// whichever pool is non-empty, it picks per Cluster.Compare. The chosen
// cluster is trimmed with RemoveFront if its range starts at or before
// currentEpoch. If trimming would consume the cluster entirely — our
// own head has already passed its whole range via some other path —
// it is finished as OutcomeNoMoreEpochs instead of being activated, and
// the next-best cluster is tried. Returns nil once both pools are
// empty.
func (h *HistorySync) popNextCluster(currentEpoch EpochNumber) *Cluster {
	for {
		cluster := popBest(&h.epochClusters, currentEpoch)
		if cluster == nil {
			cluster = popBest(&h.checkpointClusters, currentEpoch)
		}
		if cluster == nil {
			return nil
		}
		if cluster.FirstEpochNumber() <= currentEpoch {
			trim := int(currentEpoch - cluster.FirstEpochNumber() + 1)
			if trim >= cluster.Len() {
				h.finishCluster(cluster, OutcomeNoMoreEpochs)
				continue
			}
			cluster.RemoveFront(trim)
		}
		return cluster
	}
}

func popBest(pool *clusterDeque, currentEpoch EpochNumber) *Cluster {
	if pool.Len() == 0 {
		return nil
	}
	bestIdx := 0
	best := pool.At(0)
	for i := 1; i < pool.Len(); i++ {
		c := pool.At(i)
		if c.Compare(best, currentEpoch) > 0 {
			best = c
			bestIdx = i
		}
	}
	return pool.Remove(bestIdx)
}
