package historysync

import (
	"context"

	"github.com/google/uuid"

	"github.com/albatross-go/core/common"
	"github.com/albatross-go/core/log"
)

// prober issues one "give me your election-block hashes" request per
// peer and reconciles the response into an EpochIds summary (spec
// §4.1).
type prober struct {
	blockchain Blockchain
	transport  Transport
}

func newProber(bc Blockchain, tr Transport) *prober {
	return &prober{blockchain: bc, transport: tr}
}

// RequestEpochIds implements spec §4.1 end to end: it builds the
// locator list under a single blockchain snapshot, sends the probe, and
// reconciles the response. A nil *EpochIds is returned only when the
// transport itself failed, in which case the connection to peer has
// already been closed.
func (p *prober) RequestEpochIds(ctx context.Context, peer common.PeerID) *EpochIds {
	electionHead := p.blockchain.ElectionHead()
	macroHead := p.blockchain.MacroHead()

	locators := buildLocators(electionHead, macroHead)
	reqID := uuid.New()

	resp, err := p.transport.RequestBlockHashes(ctx, peer, RequestBlockHashes{
		RequestID: reqID,
		Locators:  locators,
		MaxBlocks: MaxLocatorReply,
		Filter:    FilterElectionAndLatestCheckpoint,
	})
	if err != nil {
		log.Debug("epoch-id probe failed, closing connection", "peer", peer, "request_id", reqID, "err", err)
		p.transport.Close(peer, CloseReasonTransportError)
		return nil
	}

	if resp.Hashes == nil {
		return &EpochIds{
			LocatorFound:     false,
			FirstEpochNumber: 0,
			Sender:           peer,
		}
	}

	return reconcileHashes(resp.Hashes, electionHead, peer)
}

// buildLocators emits locators in descending block height: macro head
// first when it differs from the election head, then the election
// head. This ordering matters because the recipient uses the first
// locator it recognizes (spec §4.1 "Locator construction").
func buildLocators(electionHead ElectionHead, macroHead common.Hash) []common.Hash {
	if macroHead == electionHead.Hash {
		return []common.Hash{electionHead.Hash}
	}
	return []common.Hash{macroHead, electionHead.Hash}
}

// reconcileHashes partitions a BlockHashes response: the last entry, if
// typed as Checkpoint, becomes CheckpointID; the remaining entries typed
// as Election become Ids (spec §4.1 "Response handling").
func reconcileHashes(hashes []TypedHash, electionHead ElectionHead, sender common.PeerID) *EpochIds {
	result := &EpochIds{
		LocatorFound:     true,
		FirstEpochNumber: electionHead.EpochNumber + 1,
		Sender:           sender,
	}
	if len(hashes) == 0 {
		return result
	}

	last := hashes[len(hashes)-1]
	electionEntries := hashes
	if last.Type == HashTypeCheckpoint {
		h := last.Hash
		result.CheckpointID = &h
		electionEntries = hashes[:len(hashes)-1]
	}

	result.Ids = make([]common.Hash, 0, len(electionEntries))
	for _, th := range electionEntries {
		if th.Type == HashTypeElection {
			result.Ids = append(result.Ids, th.Hash)
		}
	}
	return result
}
