// Package historysync implements the history-sync clustering engine: the
// subsystem that lets a node catch up to the chain tip by downloading,
// in parallel from many peers, every finalized epoch plus any optional
// mid-epoch checkpoint (spec §1–§9).
package historysync

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/gammazero/deque"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/albatross-go/core/common"
	"github.com/albatross-go/core/log"
)

type clusterDeque = deque.Deque[*Cluster]

// forkMemoSize bounds the LRU used to remember which peers have already
// been observed diverging at our election head, so a peer that keeps
// reconnecting and re-probing with the same stale head doesn't re-log
// the Step A fork every time (spec §4.3 Step A).
const forkMemoSize = 256

// HistorySync is the root of the clustering engine (spec §3
// "HistorySync (root)"). The cluster pools, active cluster, job queue and
// peer table are mutated only from the driver goroutine that runs Run —
// this is the single-threaded cooperative model described in spec §5.
// mu guards probeInflight and closed.
type HistorySync struct {
	blockchain Blockchain
	transport  Transport
	prober     *prober
	config     Config

	epochClusters      clusterDeque
	checkpointClusters clusterDeque
	activeCluster      *Cluster
	jobQueue           *jobQueue
	peers              *peerTable
	nextClusterID      ClusterID

	commitPool *workerpool.WorkerPool

	events chan SyncEvent

	probeResults  chan *EpochIds
	probeInflight map[common.PeerID]struct{}

	// forkMemo remembers the last election-head hash at which a peer was
	// found to permanently diverge, keyed by peer id (spec §4.3 Step A).
	forkMemo *lru.Cache[common.PeerID, common.Hash]

	activeFetch    chan fetchResult
	activeFetchCtx context.Context
	activeCancel   context.CancelFunc

	// wake is pinged (non-blocking) whenever a commit resolves on the
	// worker pool, so Run's select can react immediately
	// instead of polling (spec §9 "single wake-up primitive").
	wake chan struct{}

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	runCtx context.Context
}

// New constructs a HistorySync engine. Call Run to start the driver
// loop; the channel returned by Events is closed when Run returns.
func New(bc Blockchain, tr Transport, cfg Config) *HistorySync {
	forkMemo, _ := lru.New[common.PeerID, common.Hash](forkMemoSize)
	h := &HistorySync{
		blockchain:    bc,
		transport:     tr,
		prober:        newProber(bc, tr),
		config:        cfg,
		jobQueue:      newJobQueue(),
		peers:         newPeerTable(),
		nextClusterID: 1,
		commitPool:    workerpool.New(cfg.CommitWorkers),
		events:        make(chan SyncEvent, 64),
		probeResults:  make(chan *EpochIds, 64),
		probeInflight: make(map[common.PeerID]struct{}),
		forkMemo:      forkMemo,
		wake:          make(chan struct{}, 1),
	}
	return h
}

func (h *HistorySync) wakeUp() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Events exposes the lazy sequence of sync events: Outdated(peer),
// Good(peer). The sequence ends when the engine is dropped (spec §6
// "Exposed").
func (h *HistorySync) Events() <-chan SyncEvent { return h.events }

// Probe schedules an epoch-id request for peer. Called once when a peer
// joins, and again whenever its cluster_count drops to zero (spec
// §4.1 "Stream semantics").
func (h *HistorySync) Probe(ctx context.Context, peer common.PeerID) {
	h.mu.Lock()
	if _, inflight := h.probeInflight[peer]; inflight {
		h.mu.Unlock()
		return
	}
	if h.epochClusters.Len() >= h.config.MaxClusters {
		h.mu.Unlock()
		log.Debug("backpressure: not probing, at MAX_CLUSTERS", "peer", peer)
		return
	}
	h.probeInflight[peer] = struct{}{}
	h.mu.Unlock()

	go func() {
		result := h.prober.RequestEpochIds(ctx, peer)
		h.mu.Lock()
		delete(h.probeInflight, peer)
		h.mu.Unlock()
		select {
		case h.probeResults <- result:
		case <-ctx.Done():
		}
	}()
}

// probeWithJitter re-probes peer after a small bounded random delay, so
// a burst of simultaneously-finishing clusters doesn't hammer the same
// peers back to back (SPEC_FULL supplement #3).
func (h *HistorySync) probeWithJitter(ctx context.Context, peer common.PeerID) {
	delay := time.Duration(rand.Intn(250)) * time.Millisecond
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		h.Probe(ctx, peer)
	}()
}

// Run is the top-level driver: per wake, it drains transport events,
// drains probe results through the clustering engine, services the
// active cluster, and services the job queue head (spec §4.6). It
// blocks until ctx is done.
func (h *HistorySync) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.runCtx = ctx
	defer func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.events)
		h.commitPool.Stop()
	}()

	transportEvents := h.transport.Events()

	// Fallback tick in case a wake signal is ever missed (e.g. two
	// completions racing the single-slot wake channel) — not the
	// primary driver of progress, just a safety net (spec §5 "sync is
	// driven entirely by progress").
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		// Back-pressure: stop pulling new fetch results once the job
		// queue is at MAX_QUEUED_JOBS (spec §4.5). The cluster's own
		// bounded in-flight fan-out then stalls naturally once its
		// result channel fills up.
		var fetchCh chan fetchResult
		if h.jobQueue.Len() < h.config.MaxQueuedJobs {
			fetchCh = h.activeFetch
		}

		select {
		case <-ctx.Done():
			return

		case pe, ok := <-transportEvents:
			if !ok {
				transportEvents = nil
				continue
			}
			h.handlePeerEvent(ctx, pe)

		case result, ok := <-h.probeResults:
			if !ok {
				continue
			}
			h.handleProbeResult(ctx, result)

		case r, ok := <-fetchCh:
			if !ok {
				h.activeFetch = nil
				continue
			}
			h.handleFetchResult(r)

		case <-h.wake:
		case <-ticker.C:
		}

		h.serviceActiveCluster(ctx)
		h.serviceJobQueueHead()
	}
}

// Close stops the driver loop.
func (h *HistorySync) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *HistorySync) handlePeerEvent(ctx context.Context, pe PeerEvent) {
	switch pe.Kind {
	case PeerJoined:
		h.Probe(ctx, pe.Peer)
	case PeerLeft:
		h.removePeerEverywhere(pe.Peer)
	}
}

// removePeerEverywhere drops peer from bookkeeping and from every
// cluster's peer set (spec §4.6 "PeerLeft"). A cluster left with no
// peers is abandoned on its next poll (spec §5 "Cancellation &
// timeouts").
func (h *HistorySync) removePeerEverywhere(peer common.PeerID) {
	h.peers.Remove(peer)
	for i := 0; i < h.epochClusters.Len(); i++ {
		h.epochClusters.At(i).RemovePeer(peer)
	}
	for i := 0; i < h.checkpointClusters.Len(); i++ {
		h.checkpointClusters.At(i).RemovePeer(peer)
	}
	if h.activeCluster != nil {
		h.activeCluster.RemovePeer(peer)
	}
}

func (h *HistorySync) handleProbeResult(ctx context.Context, result *EpochIds) {
	if result == nil {
		// Transport error; the prober already closed the connection.
		return
	}
	if !result.LocatorFound {
		h.events <- outdated(result.Sender)
		return
	}
	if result.IsFullySynced() {
		h.events <- good(result.Sender)
		return
	}

	if bad := h.clusterEpochIds(result); bad != nil {
		h.events <- outdated(*bad)
	}
}

// serviceActiveCluster promotes a new active cluster from the scheduler
// when there is none (spec §4.6 step 3). Pulling batch-sets from an
// already-active cluster is throttled in Run's select, not here (see
// fetchCh gating on MAX_QUEUED_JOBS).
func (h *HistorySync) serviceActiveCluster(ctx context.Context) {
	if h.activeCluster != nil {
		return
	}
	currentEpoch := h.blockchain.ElectionHead().EpochNumber
	next := h.popNextCluster(currentEpoch)
	if next == nil {
		return
	}
	h.activeCluster = next
	fctx, cancel := context.WithCancel(ctx)
	h.activeFetchCtx = fctx
	h.activeCancel = cancel
	h.activeFetch = make(chan fetchResult, maxInFlightPerCluster)
	go h.activeCluster.Run(fctx, h.activeFetch)
}

// handleFetchResult turns one delivered BatchSet (or terminal error)
// from the active cluster into a job queue entry (spec §4.5).
func (h *HistorySync) handleFetchResult(r fetchResult) {
	if h.activeCluster == nil {
		return
	}
	if r.err != nil {
		h.jobQueue.PushFinishCluster(h.activeCluster, OutcomeError)
		h.activeCluster = nil
		if h.activeCancel != nil {
			h.activeCancel()
		}
		return
	}

	cluster := h.activeCluster
	ids := cluster.EpochIds()
	if r.index < 0 || r.index >= len(ids) {
		// Defensive: a well-formed Run never delivers an index outside
		// the cluster's range, but bound the read anyway rather than
		// trust that invariant at a panic's cost.
		log.Error("fetch result index out of range, dropping", "cluster", cluster.ID(), "index", r.index, "len", len(ids))
		return
	}
	hash := ids[r.index]
	commit := &pendingCommit{done: make(chan struct{})}
	h.jobQueue.PushBatchSet(cluster, hash, commit)

	h.commitPool.Submit(func() {
		guard := h.blockchain.AcquireGuard()
		outcome, err := h.blockchain.PushHistorySync(guard, r.batch.Block, r.batch.History)
		commit.resolve(outcome, err)
		h.wakeUp()
	})

	if r.index == cluster.Len()-1 {
		h.jobQueue.PushFinishCluster(cluster, OutcomeNoMoreEpochs)
		h.activeCluster = nil
		if h.activeCancel != nil {
			h.activeCancel()
		}
	}
}

// serviceJobQueueHead drains the job queue head until it blocks on a
// pending commit (spec §4.6 step 4, §4.5).
func (h *HistorySync) serviceJobQueueHead() {
	for {
		job, ok := h.jobQueue.Front()
		if !ok {
			return
		}
		switch job.Kind {
		case JobPushBatchSet:
			select {
			case <-job.commit.done:
			default:
				return // blocks here until the commit resolves
			}
			h.jobQueue.PopFront()
			outcome, _ := job.commit.Await()
			if outcome == OutcomeError {
				h.handleCommitFailure(job.ClusterID)
				return
			}
			if job.sourceCluster != nil {
				job.sourceCluster.numEpochsFinished++
			}
		case JobFinishCluster:
			h.jobQueue.PopFront()
			h.finishCluster(job.Cluster, job.Outcome)
		}
	}
}

// handleCommitFailure implements spec §4.5's Error branch: evict the
// remaining contiguous jobs for the failing cluster, and finish it with
// OutcomeError either from the evicted FinishCluster job, or — if none
// was queued — from the still-active cluster.
func (h *HistorySync) handleCommitFailure(clusterID ClusterID) {
	if finish := h.jobQueue.EvictClusterHead(clusterID); finish != nil {
		h.finishCluster(finish.Cluster, OutcomeError)
		return
	}
	if h.activeCluster != nil && h.activeCluster.ID() == clusterID {
		cluster := h.activeCluster
		h.activeCluster = nil
		if h.activeCancel != nil {
			h.activeCancel()
		}
		h.finishCluster(cluster, OutcomeError)
	}
}

// finishCluster decrements peers[p] for each peer in cluster.peers. When
// a peer's count hits zero it is removed; if result != Error it is
// re-probed, otherwise it is simply dropped (spec §4.5
// "finish_cluster").
func (h *HistorySync) finishCluster(cluster *Cluster, result ClusterOutcome) {
	if cluster == nil {
		return
	}
	ctx := h.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, p := range cluster.Peers().ToSlice() {
		if h.peers.Decrement(p) {
			if result != OutcomeError {
				h.probeWithJitter(ctx, p)
			}
		}
	}
}
