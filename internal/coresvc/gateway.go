package coresvc

import (
	"context"
	"errors"
	"fmt"

	"github.com/cobalt-im/cobalt-go/internal/content"
	"github.com/cobalt-im/cobalt-go/internal/contentcrypto"
	"github.com/cobalt-im/cobalt-go/internal/store"
)

// ProcessEnvelope decrypts one backend event and applies its content.
// Events for the same conversation are serialized; different conversations
// proceed concurrently. A decryption failure is not an error to the
// caller: it is persisted as a visible placeholder so the timeline shows
// the gap.
func (s *Service) ProcessEnvelope(ctx context.Context, env *Envelope) error {
	unlock := s.locks.lock(env.ConversationID)
	defer unlock()

	switch env.Protocol {
	case store.ProtocolPairwise:
		return s.processPairwise(ctx, env)
	case store.ProtocolGroup:
		return s.processGroup(ctx, env)
	default:
		return fmt.Errorf("gateway: unsupported protocol %d", env.Protocol)
	}
}

func (s *Service) processPairwise(ctx context.Context, env *Envelope) error {
	plaintext, err := s.pairwise.Decrypt(ctx, env.SessionID(), env.Ciphertext)
	if err != nil {
		logf(s.logger, "pairwise decrypt failed conversation=%s session=%s: %v",
			env.ConversationID, env.SessionID(), err)
		return s.persistFailedDecryption(env)
	}

	c, err := content.Decode(plaintext)
	if err != nil {
		logf(s.logger, "undecodable plaintext conversation=%s sender=%s: %v",
			env.ConversationID, env.SenderUserID, err)
		return s.persistFailedDecryption(env)
	}

	c, err = s.resolveExternal(c, env)
	switch {
	case errors.Is(err, ErrNestedExternalContent), errors.Is(err, ErrMissingExternalData):
		// Malformed by construction; drop rather than persist partial content.
		logf(s.logger, "dropping message conversation=%s sender=%s: %v",
			env.ConversationID, env.SenderUserID, err)
		return err
	case err != nil:
		logf(s.logger, "external content decrypt failed conversation=%s: %v",
			env.ConversationID, err)
		return s.persistFailedDecryption(env)
	}

	return s.dispatch(ctx, env, c, env.SenderDevice)
}

func (s *Service) processGroup(ctx context.Context, env *Envelope) error {
	conv, err := s.conversations.Conversation(env.ConversationID)
	if err != nil {
		return fmt.Errorf("gateway: load conversation: %w", err)
	}
	if conv == nil {
		return fmt.Errorf("gateway: %w: %s", ErrUnknownConversation, env.ConversationID)
	}
	if conv.Protocol != store.ProtocolGroup || conv.GroupID == "" {
		return fmt.Errorf("gateway: conversation %s has no group id", env.ConversationID)
	}

	res, err := s.group.Decrypt(ctx, conv.GroupID, env.Ciphertext)
	if err != nil {
		logf(s.logger, "group decrypt failed conversation=%s group=%s: %v",
			env.ConversationID, conv.GroupID, err)
		return s.persistFailedDecryption(env)
	}

	if res.PendingCommit {
		// A separate unit of work: the commit fires relative to the event
		// timestamp, not to the message's own persistence.
		logf(s.logger, "group %s pending commit in %s", conv.GroupID, res.CommitDelay)
		s.commits.Schedule(conv.GroupID, env.Timestamp.Add(res.CommitDelay))
	}

	if res.Application == nil {
		// Buffered or out-of-order handshake material; nothing to persist.
		return nil
	}

	c, err := content.Decode(res.Application)
	if err != nil {
		logf(s.logger, "undecodable group plaintext conversation=%s: %v", env.ConversationID, err)
		return s.persistFailedDecryption(env)
	}
	if _, ok := c.(*content.ExternalPointer); ok {
		// External delivery exists for the pairwise path's size limits only.
		return fmt.Errorf("gateway: group message with external content")
	}

	senderDevice := res.SenderDevice
	if senderDevice == "" {
		senderDevice = env.SenderDevice
	}
	return s.dispatch(ctx, env, c, senderDevice)
}

// resolveExternal follows an external pointer to the envelope's bulk
// payload. A pointer inside the resolved payload is malformed: one level
// of indirection is the limit.
func (s *Service) resolveExternal(c content.Content, env *Envelope) (content.Content, error) {
	ptr, ok := c.(*content.ExternalPointer)
	if !ok {
		return c, nil
	}
	if len(env.ExternalData) == 0 {
		return nil, ErrMissingExternalData
	}

	plaintext, err := contentcrypto.Decrypt(env.ExternalData, ptr.Key, ptr.SHA256)
	if err != nil {
		return nil, fmt.Errorf("gateway: decrypt external content: %w", err)
	}
	inner, err := content.Decode(plaintext)
	if err != nil {
		return nil, fmt.Errorf("gateway: decode external content: %w", err)
	}
	if _, ok := inner.(*content.ExternalPointer); ok {
		return nil, ErrNestedExternalContent
	}
	return inner, nil
}

// persistFailedDecryption writes a visible placeholder so the user sees
// that a message existed even though it could not be read. The raw bulk
// payload, when present, is kept for later diagnosis. Not retried: without
// a fresh session the same ciphertext fails the same way.
func (s *Service) persistFailedDecryption(env *Envelope) error {
	m := &store.Message{
		ID:             env.EventID,
		ConversationID: env.ConversationID,
		SenderUserID:   env.SenderUserID,
		SenderDevice:   env.SenderDevice,
		SentAt:         env.Timestamp,
		Kind:           store.KindFailedDecryption,
		Data:           env.ExternalData,
		Visible:        true,
	}
	if err := s.messages.PersistMessage(m); err != nil {
		return fmt.Errorf("gateway: persist failed-decryption placeholder: %w", err)
	}
	return nil
}
