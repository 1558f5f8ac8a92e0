package content

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Wire layout: a CBOR map with integer keys, one optional entry per payload
// kind. Exactly one payload entry is expected; unknown keys are skipped so
// newer peers can add kinds without breaking older clients.
type wireMessage struct {
	MessageID         string `cbor:"1,keyasint,omitempty"`
	LegalHold         uint8  `cbor:"2,keyasint,omitempty"`
	ExpireAfterMillis uint64 `cbor:"3,keyasint,omitempty"`

	Text         *wireText        `cbor:"10,keyasint,omitempty"`
	Asset        *wireAsset       `cbor:"11,keyasint,omitempty"`
	Knock        *wireKnock       `cbor:"12,keyasint,omitempty"`
	Calling      *wireCalling     `cbor:"13,keyasint,omitempty"`
	Edited       *wireEdited      `cbor:"14,keyasint,omitempty"`
	Deleted      *wireDeleted     `cbor:"15,keyasint,omitempty"`
	DeleteForMe  *wireDeleteForMe `cbor:"16,keyasint,omitempty"`
	Cleared      *wireMarker      `cbor:"17,keyasint,omitempty"`
	LastRead     *wireMarker      `cbor:"18,keyasint,omitempty"`
	Reaction     *wireReaction    `cbor:"19,keyasint,omitempty"`
	Availability *uint8           `cbor:"20,keyasint,omitempty"`
	External     *wireExternal    `cbor:"21,keyasint,omitempty"`
}

type wireText struct {
	Value string `cbor:"1,keyasint"`
}

type wireAsset struct {
	Name     string `cbor:"1,keyasint,omitempty"`
	MimeType string `cbor:"2,keyasint,omitempty"`
	Size     int64  `cbor:"3,keyasint,omitempty"`
	AssetID  string `cbor:"4,keyasint,omitempty"`
	Domain   string `cbor:"5,keyasint,omitempty"`
	Key      []byte `cbor:"6,keyasint,omitempty"`
	SHA256   []byte `cbor:"7,keyasint,omitempty"`
}

type wireKnock struct {
	Hot bool `cbor:"1,keyasint,omitempty"`
}

type wireCalling struct {
	Payload string `cbor:"1,keyasint"`
}

type wireEdited struct {
	ReplacingMessageID string `cbor:"1,keyasint"`
	NewText            string `cbor:"2,keyasint"`
}

type wireDeleted struct {
	MessageID string `cbor:"1,keyasint"`
}

type wireDeleteForMe struct {
	MessageID      string `cbor:"1,keyasint"`
	ConversationID string `cbor:"2,keyasint"`
}

type wireMarker struct {
	ConversationID string `cbor:"1,keyasint"`
	AtMillis       int64  `cbor:"2,keyasint"`
}

type wireReaction struct {
	MessageID string `cbor:"1,keyasint"`
	Emoji     string `cbor:"2,keyasint,omitempty"`
}

type wireExternal struct {
	Key    []byte `cbor:"1,keyasint"`
	SHA256 []byte `cbor:"2,keyasint,omitempty"`
}

var decMode cbor.DecMode

func init() {
	// Reject absurdly nested or oversized garbage early; decryption already
	// authenticated the bytes but the sender's client may be buggy.
	dm, err := cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Decode parses plaintext bytes into content. A payload kind we do not
// recognize decodes as Readable with an Unknown body rather than an error:
// the message must still occupy its place in the timeline bookkeeping.
func Decode(plaintext []byte) (Content, error) {
	var w wireMessage
	if err := decMode.Unmarshal(plaintext, &w); err != nil {
		return nil, fmt.Errorf("content: decode: %w", err)
	}

	if w.External != nil {
		return &ExternalPointer{Key: w.External.Key, SHA256: w.External.SHA256}, nil
	}
	if w.Availability != nil {
		return &AvailabilitySignal{Status: Availability(*w.Availability)}, nil
	}

	body := decodeBody(&w)
	if _, empty := body.(*Empty); empty && hasUnknownPayloadKey(plaintext) {
		body = &Unknown{}
	}

	r := &Readable{
		MessageID:   w.MessageID,
		LegalHold:   LegalHoldFlag(w.LegalHold),
		ExpireAfter: time.Duration(w.ExpireAfterMillis) * time.Millisecond,
		Body:        body,
	}
	if r.MessageID == "" {
		return nil, fmt.Errorf("content: decode: missing message id")
	}
	return r, nil
}

// Keys 10 and up are payload entries. Struct decoding skips keys it has no
// field for, which would collapse a kind from a newer client into an empty
// body; a second pass over the raw map tells the two apart.
var knownWireKeys = map[int64]bool{
	1: true, 2: true, 3: true,
	10: true, 11: true, 12: true, 13: true, 14: true, 15: true,
	16: true, 17: true, 18: true, 19: true, 20: true, 21: true,
}

func hasUnknownPayloadKey(plaintext []byte) bool {
	var raw map[int64]cbor.RawMessage
	if err := decMode.Unmarshal(plaintext, &raw); err != nil {
		return false
	}
	for k := range raw {
		if k >= 10 && !knownWireKeys[k] {
			return true
		}
	}
	return false
}

func decodeBody(w *wireMessage) Body {
	switch {
	case w.Text != nil:
		return &Text{Value: w.Text.Value}
	case w.Asset != nil:
		return &Asset{
			Name:     w.Asset.Name,
			MimeType: w.Asset.MimeType,
			Size:     w.Asset.Size,
			AssetID:  w.Asset.AssetID,
			Domain:   w.Asset.Domain,
			Key:      w.Asset.Key,
			SHA256:   w.Asset.SHA256,
		}
	case w.Knock != nil:
		return &Knock{Hot: w.Knock.Hot}
	case w.Calling != nil:
		return &Calling{Payload: w.Calling.Payload}
	case w.Edited != nil:
		return &Edited{ReplacingMessageID: w.Edited.ReplacingMessageID, NewText: w.Edited.NewText}
	case w.Deleted != nil:
		return &Deleted{MessageID: w.Deleted.MessageID}
	case w.DeleteForMe != nil:
		return &DeleteForMe{MessageID: w.DeleteForMe.MessageID, ConversationID: w.DeleteForMe.ConversationID}
	case w.Cleared != nil:
		return &Cleared{ConversationID: w.Cleared.ConversationID, At: time.UnixMilli(w.Cleared.AtMillis).UTC()}
	case w.LastRead != nil:
		return &LastRead{ConversationID: w.LastRead.ConversationID, At: time.UnixMilli(w.LastRead.AtMillis).UTC()}
	case w.Reaction != nil:
		return &Reaction{MessageID: w.Reaction.MessageID, Emoji: w.Reaction.Emoji}
	default:
		return &Empty{}
	}
}

// Encode serializes content for sending. The inverse of Decode.
func Encode(c Content) ([]byte, error) {
	var w wireMessage

	switch v := c.(type) {
	case *ExternalPointer:
		w.External = &wireExternal{Key: v.Key, SHA256: v.SHA256}
	case *AvailabilitySignal:
		st := uint8(v.Status)
		w.Availability = &st
	case *Readable:
		if v.MessageID == "" {
			return nil, fmt.Errorf("content: encode: missing message id")
		}
		w.MessageID = v.MessageID
		w.LegalHold = uint8(v.LegalHold)
		w.ExpireAfterMillis = uint64(v.ExpireAfter / time.Millisecond)
		if err := encodeBody(&w, v.Body); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("content: encode: unsupported content %T", c)
	}

	b, err := cbor.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("content: encode: %w", err)
	}
	return b, nil
}

func encodeBody(w *wireMessage, b Body) error {
	switch v := b.(type) {
	case *Text:
		w.Text = &wireText{Value: v.Value}
	case *Asset:
		w.Asset = &wireAsset{
			Name:     v.Name,
			MimeType: v.MimeType,
			Size:     v.Size,
			AssetID:  v.AssetID,
			Domain:   v.Domain,
			Key:      v.Key,
			SHA256:   v.SHA256,
		}
	case *RestrictedAsset:
		// Restricted assets are a local classification, never sent.
		return fmt.Errorf("content: encode: restricted asset is not a wire kind")
	case *Knock:
		w.Knock = &wireKnock{Hot: v.Hot}
	case *Calling:
		w.Calling = &wireCalling{Payload: v.Payload}
	case *Edited:
		w.Edited = &wireEdited{ReplacingMessageID: v.ReplacingMessageID, NewText: v.NewText}
	case *Deleted:
		w.Deleted = &wireDeleted{MessageID: v.MessageID}
	case *DeleteForMe:
		w.DeleteForMe = &wireDeleteForMe{MessageID: v.MessageID, ConversationID: v.ConversationID}
	case *Cleared:
		w.Cleared = &wireMarker{ConversationID: v.ConversationID, AtMillis: v.At.UnixMilli()}
	case *LastRead:
		w.LastRead = &wireMarker{ConversationID: v.ConversationID, AtMillis: v.At.UnixMilli()}
	case *Reaction:
		w.Reaction = &wireReaction{MessageID: v.MessageID, Emoji: v.Emoji}
	case *Empty, *Unknown, nil:
		// No payload entry.
	default:
		return fmt.Errorf("content: encode: unsupported body %T", b)
	}
	return nil
}
