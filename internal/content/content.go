// Package content defines the plaintext content model carried inside
// decrypted envelopes, and its wire codec. The model is a closed union:
// adding a kind forces every dispatch site to grow a case.
package content

import "time"

// LegalHoldFlag is the sender's view of the conversation's legal hold
// status at send time. It is embedded in every readable message and is a
// lower-trust signal than explicit server events.
type LegalHoldFlag uint8

const (
	LegalHoldUnset LegalHoldFlag = iota
	LegalHoldDisabled
	LegalHoldEnabled
)

// Availability is an ephemeral presence status carried by signaling
// content. It is never persisted as a timeline entry.
type Availability uint8

const (
	AvailabilityNone Availability = iota
	AvailabilityAvailable
	AvailabilityAway
	AvailabilityBusy
)

// Content is what a decrypted envelope carries: a readable message, a
// pointer to separately-delivered bulk ciphertext, or an ephemeral signal.
type Content interface{ isContent() }

// Readable is a regular message with an id, a body, and sender-embedded
// metadata.
type Readable struct {
	MessageID   string
	LegalHold   LegalHoldFlag
	ExpireAfter time.Duration // 0 = no self-deletion
	Body        Body
}

// ExternalPointer says the actual payload was delivered out-of-band as
// encrypted bulk data; Key decrypts it and SHA256 authenticates it.
type ExternalPointer struct {
	Key    []byte
	SHA256 []byte
}

// AvailabilitySignal is ephemeral presence signaling from the sender.
type AvailabilitySignal struct {
	Status Availability
}

func (*Readable) isContent()           {}
func (*ExternalPointer) isContent()    {}
func (*AvailabilitySignal) isContent() {}

// Body is the per-kind payload of a readable message.
type Body interface{ isBody() }

// Text is a plain text message.
type Text struct {
	Value string
}

// Asset describes an uploaded attachment. Key and SHA256 may be empty when
// a client splits delivery into a metadata-only preview followed by a
// keys-only update.
type Asset struct {
	Name     string
	MimeType string
	Size     int64
	AssetID  string
	Domain   string
	Key      []byte
	SHA256   []byte
}

// RestrictedAsset replaces an asset whose download is not permitted.
type RestrictedAsset struct {
	Name     string
	MimeType string
	Size     int64
}

// Knock is a ping/attention request.
type Knock struct {
	Hot bool
}

// Calling carries an opaque calling-signaling payload.
type Calling struct {
	Payload string
}

// Edited replaces the text of an earlier message from the same sender.
type Edited struct {
	ReplacingMessageID string
	NewText            string
}

// Deleted requests deletion of an earlier message from the same sender,
// for everyone.
type Deleted struct {
	MessageID string
}

// DeleteForMe hides a message locally only (sent by our own other device).
type DeleteForMe struct {
	MessageID      string
	ConversationID string
}

// Cleared wipes the local history of a conversation up to a point in time.
type Cleared struct {
	ConversationID string
	At             time.Time
}

// LastRead moves the conversation's read marker.
type LastRead struct {
	ConversationID string
	At             time.Time
}

// Reaction sets or clears (empty Emoji) the sender's reaction to a message.
type Reaction struct {
	MessageID string
	Emoji     string
}

// Empty is a message with no recognizable payload.
type Empty struct{}

// Unknown is a payload kind this client does not understand yet.
type Unknown struct{}

func (*Text) isBody()            {}
func (*Asset) isBody()           {}
func (*RestrictedAsset) isBody() {}
func (*Knock) isBody()           {}
func (*Calling) isBody()         {}
func (*Edited) isBody()          {}
func (*Deleted) isBody()         {}
func (*DeleteForMe) isBody()     {}
func (*Cleared) isBody()         {}
func (*LastRead) isBody()        {}
func (*Reaction) isBody()        {}
func (*Empty) isBody()           {}
func (*Unknown) isBody()         {}
