package historysync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLocators_SameHeadsReturnsOne(t *testing.T) {
	head := ElectionHead{Hash: h(5, 0), EpochNumber: 5}
	locators := buildLocators(head, head.Hash)
	require.Len(t, locators, 1)
	assert.Equal(t, head.Hash, locators[0])
}

func TestBuildLocators_DifferentHeadsReturnsBoth(t *testing.T) {
	head := ElectionHead{Hash: h(5, 0), EpochNumber: 5}
	macro := h(7, 0)
	locators := buildLocators(head, macro)
	require.Len(t, locators, 2)
	assert.Equal(t, macro, locators[0])
	assert.Equal(t, head.Hash, locators[1])
}

func TestReconcileHashes_PartitionsCheckpoint(t *testing.T) {
	head := ElectionHead{Hash: h(0, 0), EpochNumber: 0}
	hashes := []TypedHash{
		{Type: HashTypeElection, Hash: h(1, 0)},
		{Type: HashTypeElection, Hash: h(2, 0)},
		{Type: HashTypeCheckpoint, Hash: h(3, 0)},
	}

	result := reconcileHashes(hashes, head, p1)
	require.Len(t, result.Ids, 2)
	require.NotNil(t, result.CheckpointID)
	assert.Equal(t, h(3, 0), *result.CheckpointID)
	assert.Equal(t, EpochNumber(1), result.FirstEpochNumber)
}

func TestReconcileHashes_NoCheckpoint(t *testing.T) {
	head := ElectionHead{Hash: h(0, 0), EpochNumber: 0}
	hashes := []TypedHash{
		{Type: HashTypeElection, Hash: h(1, 0)},
	}

	result := reconcileHashes(hashes, head, p1)
	require.Len(t, result.Ids, 1)
	assert.Nil(t, result.CheckpointID)
}

func TestProber_RequestEpochIds_NoLocatorMatch(t *testing.T) {
	bc := newFakeBlockchain(0, h(0, 0))
	tr := newFakeTransport()
	tr.hashesResp[p1] = &BlockHashes{Hashes: nil}

	pr := newProber(bc, tr)
	result := pr.RequestEpochIds(context.Background(), p1)
	require.NotNil(t, result)
	assert.False(t, result.LocatorFound)
}

func TestProber_RequestEpochIds_TransportErrorClosesConnection(t *testing.T) {
	bc := newFakeBlockchain(0, h(0, 0))
	tr := newFakeTransport()
	tr.hashesErr[p1] = assertErr

	pr := newProber(bc, tr)
	result := pr.RequestEpochIds(context.Background(), p1)
	assert.Nil(t, result)
	require.Len(t, tr.closed, 1)
	assert.Equal(t, p1, tr.closed[0])
}

func TestProber_RequestEpochIds_ReconcilesResponse(t *testing.T) {
	bc := newFakeBlockchain(0, h(0, 0))
	tr := newFakeTransport()
	tr.hashesResp[p1] = &BlockHashes{Hashes: []TypedHash{
		{Type: HashTypeElection, Hash: h(1, 0)},
		{Type: HashTypeElection, Hash: h(2, 0)},
	}}

	pr := newProber(bc, tr)
	result := pr.RequestEpochIds(context.Background(), p1)
	require.NotNil(t, result)
	assert.True(t, result.LocatorFound)
	assert.Len(t, result.Ids, 2)
}
