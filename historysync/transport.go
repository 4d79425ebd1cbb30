package historysync

import (
	"context"

	"github.com/google/uuid"

	"github.com/albatross-go/core/common"
)

// LocatorFilter selects which hash kinds a RequestBlockHashes call wants
// back (spec §4.1, §6).
type LocatorFilter uint8

const (
	FilterElectionAndLatestCheckpoint LocatorFilter = iota
)

// MaxLocators bounds RequestBlockHashes.Locators (spec §6).
const MaxLocators = 16

// MaxLocatorReply is the default MaxBlocks a locator request asks for
// (spec §6 tunables).
const MaxLocatorReply = 1000

// RequestBlockHashes is the wire request behind the epoch-id probe
// (spec §6, bit-level schema). RequestID carries no engine meaning — it
// exists purely so transport-level logs and metrics can correlate a
// request with its response; the engine never inspects it.
type RequestBlockHashes struct {
	RequestID uuid.UUID
	Locators  []common.Hash
	MaxBlocks uint16
	Filter    LocatorFilter
}

// BlockHashes is the wire response to RequestBlockHashes. A nil Hashes
// signals that the responder recognized none of the locators sent
// (spec §4.1, §6).
type BlockHashes struct {
	Hashes []TypedHash
}

// RequestBatchSet asks a peer for the batch-set of one epoch, identified
// by its election-block hash. RequestID is the same log-correlation-only
// identifier as RequestBlockHashes.RequestID.
type RequestBatchSet struct {
	RequestID uuid.UUID
	Hash      common.Hash
}

// PeerEventKind tags the two transport-level peer lifecycle events the
// engine reacts to (spec §4.6).
type PeerEventKind uint8

const (
	PeerJoined PeerEventKind = iota
	PeerLeft
)

// PeerEvent is delivered from the transport's event stream.
type PeerEvent struct {
	Kind PeerEventKind
	Peer common.PeerID
}

// CloseReason documents why the engine is closing a connection, for the
// transport's own logging/metrics.
type CloseReason string

const (
	CloseReasonLocatorUnknown       CloseReason = "locator-unknown"
	CloseReasonProtocolDisagreement CloseReason = "protocol-disagreement"
	CloseReasonTransportError       CloseReason = "transport-error"
)

// Transport is the narrow request/response contract the engine needs
// from the network layer (spec §6 "Consumed"). Framing, authentication,
// and connection management are all out of scope for this core and live
// behind this interface.
type Transport interface {
	// RequestBlockHashes issues one locator probe to peer and blocks
	// until the response arrives, the request times out, or ctx is
	// done. A non-nil error means the request failed at the transport
	// level (timeout, send failure, malformed response) — see spec
	// §4.1 "Transport error / timeout / malformed".
	RequestBlockHashes(ctx context.Context, peer common.PeerID, req RequestBlockHashes) (*BlockHashes, error)

	// RequestBatchSet fetches one epoch's batch-set from peer.
	RequestBatchSet(ctx context.Context, peer common.PeerID, req RequestBatchSet) (*BatchSet, error)

	// Close terminates the connection to peer for reason.
	Close(peer common.PeerID, reason CloseReason)

	// Events exposes peer join/leave notifications. The channel is
	// closed when the transport shuts down.
	Events() <-chan PeerEvent
}
