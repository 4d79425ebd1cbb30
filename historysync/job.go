package historysync

import (
	"github.com/gammazero/deque"

	"github.com/albatross-go/core/common"
)

// JobKind tags the two Job variants (spec §3 "Job (variants)").
type JobKind uint8

const (
	JobPushBatchSet JobKind = iota
	JobFinishCluster
)

// pendingCommit is a deferred call to blockchain.PushHistorySync,
// executed on the commit worker pool rather than the driver goroutine
// (spec §9 "Commit on a worker"). Calling Await blocks until the commit
// worker has produced a result; resolve must be called exactly once.
type pendingCommit struct {
	done chan struct{}
	outcome ClusterOutcome
	err     error
}

func (p *pendingCommit) Await() (ClusterOutcome, error) {
	<-p.done
	return p.outcome, p.err
}

func (p *pendingCommit) resolve(outcome ClusterOutcome, err error) {
	p.outcome = outcome
	p.err = err
	close(p.done)
}

// Job is one entry of the job queue / commit serializer (spec §3, §4.5).
// Exactly one of the PushBatchSet or FinishCluster fields is meaningful,
// selected by Kind.
type Job struct {
	Kind JobKind

	// PushBatchSet fields. sourceCluster is kept alongside the id so the
	// driver can bump numEpochsFinished on success without a lookup.
	ClusterID     ClusterID
	EpochHash     common.Hash
	commit        *pendingCommit
	sourceCluster *Cluster

	// FinishCluster fields.
	Cluster *Cluster
	Outcome ClusterOutcome
}

// jobQueue is the single-consumer FIFO pipeline described in spec §4.5.
// Jobs from one cluster are always contiguous, by construction: the
// engine only ever appends jobs for the currently active cluster.
type jobQueue struct {
	q deque.Deque[Job]
}

func newJobQueue() *jobQueue {
	return &jobQueue{}
}

func (jq *jobQueue) Len() int { return jq.q.Len() }

func (jq *jobQueue) PushBatchSet(cluster *Cluster, hash common.Hash, commit *pendingCommit) {
	jq.q.PushBack(Job{
		Kind:          JobPushBatchSet,
		ClusterID:     cluster.ID(),
		EpochHash:     hash,
		commit:        commit,
		sourceCluster: cluster,
	})
}

func (jq *jobQueue) PushFinishCluster(cluster *Cluster, outcome ClusterOutcome) {
	jq.q.PushBack(Job{
		Kind:    JobFinishCluster,
		Cluster: cluster,
		Outcome: outcome,
	})
}

func (jq *jobQueue) Front() (Job, bool) {
	if jq.q.Len() == 0 {
		return Job{}, false
	}
	return jq.q.Front(), true
}

func (jq *jobQueue) PopFront() Job {
	return jq.q.PopFront()
}

// At returns the i-th job from the front without removing it, used by
// the clustering engine's lookahead in Step B/the FinishCluster search
// in Step B (spec §4.3).
func (jq *jobQueue) At(i int) Job {
	return jq.q.At(i)
}

// EvictClusterHead removes every job belonging to clusterID from the
// head of the queue, stopping at the first job belonging to a different
// cluster, or at a FinishCluster job for clusterID (which is returned so
// the caller can use it for bookkeeping) (spec §4.5 "Error" handling).
// evictedFinish is nil if no FinishCluster job for clusterID was found
// in the evicted prefix.
func (jq *jobQueue) EvictClusterHead(clusterID ClusterID) (evictedFinish *Job) {
	for jq.q.Len() > 0 {
		job := jq.q.Front()
		switch job.Kind {
		case JobPushBatchSet:
			if job.ClusterID != clusterID {
				return nil
			}
			jq.q.PopFront()
		case JobFinishCluster:
			if job.Cluster == nil || job.Cluster.ID() != clusterID {
				return nil
			}
			jq.q.PopFront()
			f := job
			return &f
		}
	}
	return nil
}
