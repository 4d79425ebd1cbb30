package historysync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueue_PushAndDrain(t *testing.T) {
	jq := newJobQueue()
	cluster := newCluster(1, hashRun(1, 2, 0), 1, p1, nil, nil)

	commit := &pendingCommit{done: make(chan struct{})}
	jq.PushBatchSet(cluster, h(1, 0), commit)
	jq.PushFinishCluster(cluster, OutcomeNoMoreEpochs)

	assert.Equal(t, 2, jq.Len())

	front, ok := jq.Front()
	require.True(t, ok)
	assert.Equal(t, JobPushBatchSet, front.Kind)
	assert.Equal(t, cluster.ID(), front.ClusterID)
	assert.Same(t, cluster, front.sourceCluster)

	jq.PopFront()
	front, ok = jq.Front()
	require.True(t, ok)
	assert.Equal(t, JobFinishCluster, front.Kind)
	assert.Equal(t, OutcomeNoMoreEpochs, front.Outcome)
}

func TestJobQueue_EvictClusterHead_StopsAtOtherCluster(t *testing.T) {
	jq := newJobQueue()
	c1 := newCluster(1, hashRun(1, 2, 0), 1, p1, nil, nil)
	c2 := newCluster(2, hashRun(1, 2, 0), 1, p1, nil, nil)

	jq.PushBatchSet(c1, h(1, 0), &pendingCommit{done: make(chan struct{})})
	jq.PushBatchSet(c1, h(2, 0), &pendingCommit{done: make(chan struct{})})
	jq.PushBatchSet(c2, h(1, 0), &pendingCommit{done: make(chan struct{})})

	finish := jq.EvictClusterHead(1)
	assert.Nil(t, finish)
	assert.Equal(t, 1, jq.Len())

	front, ok := jq.Front()
	require.True(t, ok)
	assert.Equal(t, c2.ID(), front.ClusterID)
}

func TestJobQueue_EvictClusterHead_ReturnsFinishJob(t *testing.T) {
	jq := newJobQueue()
	c1 := newCluster(1, hashRun(1, 2, 0), 1, p1, nil, nil)

	jq.PushBatchSet(c1, h(1, 0), &pendingCommit{done: make(chan struct{})})
	jq.PushFinishCluster(c1, OutcomeError)

	finish := jq.EvictClusterHead(1)
	require.NotNil(t, finish)
	assert.Equal(t, OutcomeError, finish.Outcome)
	assert.Equal(t, 0, jq.Len())
}

func TestPendingCommit_AwaitBlocksUntilResolved(t *testing.T) {
	commit := &pendingCommit{done: make(chan struct{})}

	resultCh := make(chan ClusterOutcome, 1)
	go func() {
		outcome, _ := commit.Await()
		resultCh <- outcome
	}()

	commit.resolve(EpochSuccessful, nil)

	outcome := <-resultCh
	assert.Equal(t, EpochSuccessful, outcome)
}
