package coresvc

import (
	"context"
	"fmt"

	"github.com/cobalt-im/cobalt-go/internal/content"
	"github.com/cobalt-im/cobalt-go/internal/store"
)

// dispatch applies decrypted content to local state. For readable
// messages the content is persisted first and the legal hold tracker is
// notified after, so the tracker's system messages land next to an
// already-stored trigger message.
func (s *Service) dispatch(ctx context.Context, env *Envelope, c content.Content, senderDevice string) error {
	switch v := c.(type) {
	case *content.AvailabilitySignal:
		if err := s.users.SetAvailability(env.SenderUserID, v.Status); err != nil {
			return fmt.Errorf("router: set availability: %w", err)
		}
		return nil
	case *content.Readable:
		if err := s.routeReadable(ctx, env, v, senderDevice); err != nil {
			return err
		}
		if s.tracker == nil {
			return nil
		}
		return s.tracker.HandleNewMessage(ctx, NewMessage{
			ConversationID: env.ConversationID,
			SenderUserID:   env.SenderUserID,
			Timestamp:      env.Timestamp,
			Flag:           v.LegalHold,
		})
	default:
		return fmt.Errorf("router: unroutable content %T", c)
	}
}

func (s *Service) routeReadable(ctx context.Context, env *Envelope, r *content.Readable, senderDevice string) error {
	m := &store.Message{
		ID:             r.MessageID,
		ConversationID: env.ConversationID,
		SenderUserID:   env.SenderUserID,
		SenderDevice:   senderDevice,
		SentAt:         env.Timestamp,
		ExpireAfter:    r.ExpireAfter,
	}

	switch b := r.Body.(type) {
	case *content.Text:
		m.Kind = store.KindText
		m.Body = b.Value
		m.Visible = true
		return s.persist(m)
	case *content.Asset:
		return s.handleAsset(env, m, b)
	case *content.RestrictedAsset:
		m.Kind = store.KindRestrictedAsset
		m.Asset = &store.AssetInfo{Name: b.Name, MimeType: b.MimeType, Size: b.Size}
		m.Visible = true
		return s.persist(m)
	case *content.Knock:
		m.Kind = store.KindKnock
		if b.Hot {
			m.Body = "hot"
		}
		m.Visible = true
		return s.persist(m)
	case *content.Calling:
		if s.calling == nil {
			logf(s.logger, "dropping calling message conversation=%s: no handler", env.ConversationID)
			return nil
		}
		m.Kind = store.KindCalling
		m.Visible = true
		if err := s.calling.OnCallingMessage(ctx, m, b.Payload); err != nil {
			return fmt.Errorf("router: calling handler: %w", err)
		}
		return nil
	case *content.Edited:
		return s.handleEdit(env, b)
	case *content.Deleted:
		return s.handleDelete(env, b)
	case *content.DeleteForMe:
		return s.handleDeleteForMe(env, b)
	case *content.Cleared:
		if env.SenderUserID != s.self {
			logf(s.logger, "ignoring clear from foreign user %s", env.SenderUserID)
			return nil
		}
		if err := s.conversations.ClearConversation(b.ConversationID, b.At); err != nil {
			return fmt.Errorf("router: clear conversation: %w", err)
		}
		return nil
	case *content.LastRead:
		if env.SenderUserID != s.self {
			logf(s.logger, "ignoring read marker from foreign user %s", env.SenderUserID)
			return nil
		}
		if err := s.conversations.SetLastRead(b.ConversationID, b.At); err != nil {
			return fmt.Errorf("router: set last read: %w", err)
		}
		return nil
	case *content.Reaction:
		if err := s.messages.SetReaction(env.ConversationID, b.MessageID, env.SenderUserID, b.Emoji); err != nil {
			return fmt.Errorf("router: set reaction: %w", err)
		}
		return nil
	case *content.Empty:
		logf(s.logger, "empty message conversation=%s sender=%s", env.ConversationID, env.SenderUserID)
		return nil
	case *content.Unknown:
		// Kept hidden so a later client version can reinterpret it.
		m.Kind = store.KindUnknown
		return s.persist(m)
	default:
		return fmt.Errorf("router: unhandled body %T", r.Body)
	}
}

// handleAsset stores an attachment message. Senders may split delivery
// into a metadata-only preview followed by a keys-only update; the update
// must come from the original sender or it is dropped.
func (s *Service) handleAsset(env *Envelope, m *store.Message, b *content.Asset) error {
	existing, err := s.messages.Message(env.ConversationID, m.ID)
	if err != nil {
		return fmt.Errorf("router: load asset message: %w", err)
	}
	if existing != nil {
		if existing.SenderUserID != env.SenderUserID {
			logf(s.logger, "dropping asset update for %s: sender mismatch", m.ID)
			return nil
		}
		if len(b.Key) == 0 {
			return nil
		}
		if err := s.messages.UpdateAssetKeys(env.ConversationID, m.ID, b.Key, b.SHA256); err != nil {
			return fmt.Errorf("router: update asset keys: %w", err)
		}
		return nil
	}

	m.Kind = store.KindAsset
	m.Asset = &store.AssetInfo{
		Name:     b.Name,
		MimeType: b.MimeType,
		Size:     b.Size,
		AssetID:  b.AssetID,
		Domain:   b.Domain,
		Key:      b.Key,
		SHA256:   b.SHA256,
	}
	// A keyless preview stays hidden until the keys arrive.
	m.Visible = len(b.Key) > 0
	return s.persist(m)
}

func (s *Service) handleEdit(env *Envelope, b *content.Edited) error {
	orig, err := s.messages.Message(env.ConversationID, b.ReplacingMessageID)
	if err != nil {
		return fmt.Errorf("router: load edited message: %w", err)
	}
	if orig == nil {
		logf(s.logger, "dropping edit of unknown message %s", b.ReplacingMessageID)
		return nil
	}
	if orig.SenderUserID != env.SenderUserID {
		logf(s.logger, "dropping edit of %s: sender mismatch", b.ReplacingMessageID)
		return nil
	}
	if err := s.messages.UpdateText(env.ConversationID, b.ReplacingMessageID, b.NewText, env.Timestamp); err != nil {
		return fmt.Errorf("router: apply edit: %w", err)
	}
	return nil
}

func (s *Service) handleDelete(env *Envelope, b *content.Deleted) error {
	orig, err := s.messages.Message(env.ConversationID, b.MessageID)
	if err != nil {
		return fmt.Errorf("router: load deleted message: %w", err)
	}
	if orig == nil {
		logf(s.logger, "dropping delete of unknown message %s", b.MessageID)
		return nil
	}
	if orig.SenderUserID != env.SenderUserID {
		logf(s.logger, "dropping delete of %s: sender mismatch", b.MessageID)
		return nil
	}
	if err := s.messages.MarkDeleted(env.ConversationID, b.MessageID); err != nil {
		return fmt.Errorf("router: apply delete: %w", err)
	}
	return nil
}

// handleDeleteForMe hides a message locally. Only our own other devices
// may send it.
func (s *Service) handleDeleteForMe(env *Envelope, b *content.DeleteForMe) error {
	if env.SenderUserID != s.self {
		logf(s.logger, "ignoring delete-for-me from foreign user %s", env.SenderUserID)
		return nil
	}
	if err := s.messages.MarkDeleted(b.ConversationID, b.MessageID); err != nil {
		return fmt.Errorf("router: apply delete-for-me: %w", err)
	}
	return nil
}

func (s *Service) persist(m *store.Message) error {
	if err := s.messages.PersistMessage(m); err != nil {
		return fmt.Errorf("router: persist message: %w", err)
	}
	return nil
}
