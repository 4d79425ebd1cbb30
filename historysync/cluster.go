package historysync

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/albatross-go/core/common"
	"github.com/albatross-go/core/log"
)

// maxInFlightPerCluster bounds how many RequestBatchSet calls a single
// cluster keeps outstanding across its peer set at once. The original
// fetch loop does not serialize strictly one epoch at a time when
// several peers are idle (SPEC_FULL supplement #2); this is the fan-out
// width that replaces that behavior here.
const maxInFlightPerCluster = 2

// Cluster is a contiguous, ordered run of epoch hashes plus the set of
// peers known to serve it (spec §3, §4.2).
type Cluster struct {
	id                ClusterID
	firstEpochNumber  EpochNumber
	epochIds          []common.Hash
	peers             mapset.Set[common.PeerID]
	numEpochsFinished int

	blockchain Blockchain
	transport  Transport

	mu      sync.Mutex
	nextIdx int // shifted by RemoveFront; Run keeps its own request cursor and does not read it
	rr      int // round-robin cursor into the peer list
}

// newCluster constructs a cluster over epochIds starting at
// firstEpochNumber, owned initially by a single peer (spec §4.2 "new").
func newCluster(id ClusterID, epochIds []common.Hash, first EpochNumber, peer common.PeerID, bc Blockchain, tr Transport) *Cluster {
	if len(epochIds) == 0 {
		panic("historysync: cluster created with zero epoch ids")
	}
	return &Cluster{
		id:               id,
		firstEpochNumber: first,
		epochIds:         epochIds,
		peers:            mapset.NewSet(peer),
		blockchain:       bc,
		transport:        tr,
	}
}

func (c *Cluster) ID() ClusterID                 { return c.id }
func (c *Cluster) FirstEpochNumber() EpochNumber { return c.firstEpochNumber }
func (c *Cluster) EpochIds() []common.Hash       { return c.epochIds }
func (c *Cluster) Len() int                      { return len(c.epochIds) }
func (c *Cluster) Peers() mapset.Set[common.PeerID] {
	return c.peers
}

// LastEpochNumber returns the epoch number one past the end of the
// cluster's range: firstEpochNumber + len(epochIds).
func (c *Cluster) LastEpochNumber() EpochNumber {
	return c.firstEpochNumber + EpochNumber(len(c.epochIds))
}

// AddPeer adds peer to the cluster's peer set. Idempotent (spec §4.2).
func (c *Cluster) AddPeer(peer common.PeerID) {
	c.peers.Add(peer)
}

// RemovePeer drops peer from the peer set, e.g. on transport disconnect
// (spec §5 "Cancellation & timeouts").
func (c *Cluster) RemovePeer(peer common.PeerID) {
	c.peers.Remove(peer)
}

// SplitOff splits the cluster at idx: the receiver keeps epochIds[0:idx],
// the returned cluster owns epochIds[idx:] and inherits the same peer
// set, since every peer that served the whole range also serves both
// halves (spec §4.2, invariant §8.4). Precondition: 0 < idx < len.
func (c *Cluster) SplitOff(idx int, newID ClusterID) *Cluster {
	if idx <= 0 || idx >= len(c.epochIds) {
		panic("historysync: split_off index out of range")
	}
	tail := make([]common.Hash, len(c.epochIds)-idx)
	copy(tail, c.epochIds[idx:])

	tailFirst := c.firstEpochNumber + EpochNumber(idx)
	c.epochIds = c.epochIds[:idx]

	return &Cluster{
		id:               newID,
		firstEpochNumber: tailFirst,
		epochIds:         tail,
		peers:            c.peers.Clone(),
		blockchain:       c.blockchain,
		transport:        c.transport,
	}
}

// RemoveFront drops the first n epoch ids, used when a cluster begins
// before the node's current head (spec §4.2, §4.4). Preconditions:
// n <= len(epochIds); no partial fetch may have crossed those ids.
func (c *Cluster) RemoveFront(n int) {
	if n == 0 {
		return
	}
	if n > len(c.epochIds) {
		panic("historysync: remove_front(n) exceeds cluster length")
	}
	c.epochIds = c.epochIds[n:]
	c.firstEpochNumber += EpochNumber(n)
	c.mu.Lock()
	if c.nextIdx > n {
		c.nextIdx -= n
	} else {
		c.nextIdx = 0
	}
	c.mu.Unlock()
}

// Compare implements the scheduler's total order (spec §4.2 "Ordering
// for the scheduler"). It returns a positive value if c should be
// preferred over other, negative if other should be preferred, and 0 if
// they tie on every criterion (which cannot happen for distinct
// clusters, since cluster id is a final tiebreaker).
func (c *Cluster) Compare(other *Cluster, currentEpoch EpochNumber) int {
	// (1) larger first_epoch_number + len(epoch_ids) (further progress).
	if d := int64(c.LastEpochNumber()) - int64(other.LastEpochNumber()); d != 0 {
		return sign(d)
	}
	// (2) smaller first_epoch_number (older start).
	if d := int64(other.firstEpochNumber) - int64(c.firstEpochNumber); d != 0 {
		return sign(d)
	}
	// (3) larger peer count.
	if d := c.peers.Cardinality() - other.peers.Cardinality(); d != 0 {
		return sign(int64(d))
	}
	// (4) stable cluster id, larger wins so ties are deterministic but
	// never truly tie.
	return sign(int64(c.id) - int64(other.id))
}

func sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// fetchResult is one item from a cluster's ordered batch-set stream.
type fetchResult struct {
	index int // position within the cluster's epoch range
	batch *BatchSet
	err   error
}

// Run drains the cluster's epoch range in ascending order, fanning out
// requests across its peer set with failover, and delivers each
// BatchSet (in order) or a terminal error on out. Run returns when the
// whole range has been delivered, an unrecoverable error occurs, or ctx
// is canceled.
//
// This is the implementation behind spec §4.2's poll_next contract; the
// fetch strategy (round-robin with bounded fan-out and failover) is left
// to the implementer per that section.
func (c *Cluster) Run(ctx context.Context, out chan<- fetchResult) {
	total := len(c.epochIds)
	if total == 0 {
		return
	}

	pending := make(chan int, maxInFlightPerCluster)
	results := make(chan fetchResult, maxInFlightPerCluster)

	var wg sync.WaitGroup
	dispatch := func(idx int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer, ok := c.pickPeer()
			if !ok {
				results <- fetchResult{index: idx, err: errNoPeersForCluster}
				return
			}
			batch, err := c.fetchWithFailover(ctx, peer, idx)
			results <- fetchResult{index: idx, batch: batch, err: err}
		}()
	}

	go func() {
		defer close(pending)
		for i := 0; i < total; i++ {
			select {
			case pending <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	inFlight := 0
	next := 0
	delivered := make(map[int]*BatchSet)
	pendingCh := pending

	for {
		// A nil channel disables the pending case while the fan-out is
		// at its bound or the index producer has finished.
		var recvPending chan int
		if pendingCh != nil && inFlight < maxInFlightPerCluster {
			recvPending = pendingCh
		}

		select {
		case <-ctx.Done():
			return
		case idx, ok := <-recvPending:
			if !ok {
				pendingCh = nil
				continue
			}
			inFlight++
			dispatch(idx)
		case r := <-results:
			inFlight--
			if r.err != nil {
				select {
				case out <- r:
				case <-ctx.Done():
				}
				return
			}
			delivered[r.index] = r.batch
			for {
				b, ok := delivered[next]
				if !ok {
					break
				}
				select {
				case out <- fetchResult{index: next, batch: b}:
				case <-ctx.Done():
					return
				}
				delete(delivered, next)
				next++
			}
			if next >= total {
				return
			}
		}
	}
}

var errNoPeersForCluster = errors.New("historysync: cluster has no peers to fetch from")

// pickPeer returns the next peer in round-robin order over the
// cluster's current peer set.
func (c *Cluster) pickPeer() (common.PeerID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := c.peers.ToSlice()
	if len(peers) == 0 {
		return "", false
	}
	// ToSlice follows map iteration order; sort so the cursor walks a
	// stable sequence.
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	p := peers[c.rr%len(peers)]
	c.rr++
	return p, true
}

// fetchWithFailover requests epoch idx's batch-set from peer, retrying
// against other known peers on transport failure until the peer set is
// exhausted (spec §4.2 "Internal fetch protocol").
func (c *Cluster) fetchWithFailover(ctx context.Context, peer common.PeerID, idx int) (*BatchSet, error) {
	tried := mapset.NewSet(peer)
	hash := c.epochIds[idx]

	for {
		resp, err := c.transport.RequestBatchSet(ctx, peer, RequestBatchSet{RequestID: uuid.New(), Hash: hash})
		if err == nil {
			return resp, nil
		}
		log.Debug("batch-set request failed, failing over", "cluster", c.id, "peer", peer, "epoch_index", idx, "err", err)

		remaining := c.peers.Difference(tried).ToSlice()
		if len(remaining) == 0 {
			return nil, errors.Wrapf(err, "cluster %d: exhausted peers fetching epoch index %d", c.id, idx)
		}
		peer = remaining[rand.Intn(len(remaining))]
		tried.Add(peer)
	}
}
