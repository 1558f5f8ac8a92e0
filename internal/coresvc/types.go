package coresvc

import (
	"time"

	"github.com/cobalt-im/cobalt-go/internal/store"
)

// Envelope is one opaque backend event carrying ciphertext for a
// conversation. Envelopes are immutable and may be delivered more than
// once; processing is idempotent.
type Envelope struct {
	Protocol       store.Protocol
	EventID        string // server event id; reused as the placeholder message id on decryption failure
	ConversationID string
	SenderUserID   string
	SenderDevice   string
	Ciphertext     []byte
	ExternalData   []byte // encrypted bulk payload referenced by an external pointer, if any
	Timestamp      time.Time
}

// SessionID returns the pairwise session identifier for the envelope's
// sender device.
func (e *Envelope) SessionID() string {
	return e.SenderUserID + ":" + e.SenderDevice
}

// SyncPhase is the client's backfill progress, observed from the sync
// loop that drives this core. Only Live vs not-Live matters here.
type SyncPhase int

const (
	PhaseGatheringPendingEvents SyncPhase = iota
	PhaseSlowSync
	PhaseProcessingPendingEvents
	PhaseLive
)

func (p SyncPhase) String() string {
	switch p {
	case PhaseGatheringPendingEvents:
		return "gathering-pending-events"
	case PhaseSlowSync:
		return "slow-sync"
	case PhaseProcessingPendingEvents:
		return "processing-pending-events"
	case PhaseLive:
		return "live"
	default:
		return "unknown"
	}
}

// ConnectionStatus is the state of a connection request with another user.
type ConnectionStatus int

const (
	ConnectionPending ConnectionStatus = iota
	ConnectionSent
	ConnectionAccepted
	ConnectionBlocked
	ConnectionIgnored
	ConnectionMissingLegalHoldConsent
)

// Connection is a connection-request event with another user, tied to the
// (usually 1:1) conversation it creates.
type Connection struct {
	ConversationID string
	UserID         string // the other user
	Status         ConnectionStatus
}
