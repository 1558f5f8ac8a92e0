package coresvc

import "errors"

var (
	// ErrNestedExternalContent means an external payload decrypted into
	// another external pointer. One level of indirection is the limit;
	// anything deeper is malformed and the message is dropped.
	ErrNestedExternalContent = errors.New("coresvc: external content nested inside external content")

	// ErrMissingExternalData means content pointed at out-of-band bulk data
	// the envelope did not carry.
	ErrMissingExternalData = errors.New("coresvc: external pointer without external data")

	// ErrUnknownConversation means the envelope referenced a conversation
	// the store has never seen.
	ErrUnknownConversation = errors.New("coresvc: unknown conversation")
)
