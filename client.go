// Package cobalt provides the client-side messaging core for the Cobalt
// platform: envelope decryption, content routing, and legal hold
// tracking on top of a local sqlite store. Transport and key exchange
// stay outside; the caller feeds backend events in and plugs in the
// cryptographic sessions.
package cobalt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cobalt-im/cobalt-go/internal/coresvc"
	"github.com/cobalt-im/cobalt-go/internal/store"
)

// Re-exported types so callers do not import internal packages.
type (
	Envelope         = coresvc.Envelope
	Connection       = coresvc.Connection
	ConnectionStatus = coresvc.ConnectionStatus
	SyncPhase        = coresvc.SyncPhase
	PairwiseCrypto   = coresvc.PairwiseCrypto
	GroupCrypto      = coresvc.GroupCrypto
	GroupResult      = coresvc.GroupResult
	Refetcher        = coresvc.Refetcher
	CallingHandler   = coresvc.CallingHandler
	Message          = store.Message
	Conversation     = store.Conversation
)

const (
	PhaseGatheringPendingEvents  = coresvc.PhaseGatheringPendingEvents
	PhaseSlowSync                = coresvc.PhaseSlowSync
	PhaseProcessingPendingEvents = coresvc.PhaseProcessingPendingEvents
	PhaseLive                    = coresvc.PhaseLive
)

var ErrUnknownConversation = coresvc.ErrUnknownConversation

// Client is the main entry point. Create with NewClient, then Open.
type Client struct {
	dbPath   string
	logger   *log.Logger
	pairwise coresvc.PairwiseCrypto
	group    coresvc.GroupCrypto
	remote   coresvc.Refetcher
	calling  coresvc.CallingHandler
	phases   <-chan SyncPhase

	store   *store.Store
	service *coresvc.Service
	tracker *coresvc.Tracker
	gate    *coresvc.SyncGate
	commits *coresvc.CommitScheduler
}

// Option configures a Client.
type Option func(*Client)

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/cobalt-go/<user>.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPairwiseCrypto plugs in the pairwise-ratchet session layer. Required.
func WithPairwiseCrypto(p PairwiseCrypto) Option {
	return func(c *Client) { c.pairwise = p }
}

// WithGroupCrypto plugs in the group-key-tree session layer. Required.
func WithGroupCrypto(g GroupCrypto) Option {
	return func(c *Client) { c.group = g }
}

// WithRefetcher plugs in the backend lookups the legal hold tracker
// needs. Required.
func WithRefetcher(r Refetcher) Option {
	return func(c *Client) { c.remote = r }
}

// WithCallingHandler routes calling-signaling payloads to the given
// handler instead of dropping them.
func WithCallingHandler(h CallingHandler) Option {
	return func(c *Client) { c.calling = h }
}

// WithSyncPhases attaches the sync loop's phase stream. Backend-touching
// legal hold reconciliation is deferred until the stream reports
// PhaseLive; without a stream it runs inline.
func WithSyncPhases(phases <-chan SyncPhase) Option {
	return func(c *Client) { c.phases = phases }
}

// NewClient creates a new client. Call Open before processing events.
func NewClient(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open opens the local store for selfUserID and wires the processing
// core.
func (c *Client) Open(selfUserID string) error {
	if c.store != nil {
		return errors.New("client already open")
	}
	if selfUserID == "" {
		return errors.New("missing self user id")
	}
	if c.pairwise == nil || c.group == nil {
		return errors.New("missing crypto layer, see WithPairwiseCrypto and WithGroupCrypto")
	}
	if c.remote == nil {
		return errors.New("missing refetcher, see WithRefetcher")
	}

	dbPath := c.dbPath
	if dbPath == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return err
		}
		dbPath = filepath.Join(dir, selfUserID+".db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(dbPath, selfUserID)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	c.store = st

	if c.phases != nil {
		c.gate = coresvc.NewSyncGate(c.phases, c.logger)
	}
	c.commits = coresvc.NewCommitScheduler(c.group, c.logger)
	c.tracker = coresvc.NewTracker(coresvc.TrackerConfig{
		SelfUserID:    selfUserID,
		Conversations: st,
		Messages:      st,
		Users:         st,
		Config:        st,
		Remote:        c.remote,
		Gate:          c.gate,
		Logger:        c.logger,
	})
	c.service = coresvc.NewService(coresvc.ServiceConfig{
		SelfUserID:    selfUserID,
		Pairwise:      c.pairwise,
		Group:         c.group,
		Conversations: st,
		Messages:      st,
		Users:         st,
		Tracker:       c.tracker,
		Commits:       c.commits,
		Calling:       c.calling,
		Logger:        c.logger,
	})
	return nil
}

// Close releases timers, the sync gate, and the store.
func (c *Client) Close() error {
	if c.commits != nil {
		c.commits.Close()
	}
	if c.gate != nil {
		c.gate.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
		c.store = nil
	}
	return nil
}

// ProcessEnvelope decrypts one backend event and applies its content.
func (c *Client) ProcessEnvelope(ctx context.Context, env *Envelope) error {
	return c.service.ProcessEnvelope(ctx, env)
}

// HandleLegalHoldEnabled processes an explicit backend event placing
// userID under legal hold.
func (c *Client) HandleLegalHoldEnabled(ctx context.Context, userID string, at time.Time) error {
	return c.tracker.HandleEnable(ctx, userID, at)
}

// HandleLegalHoldDisabled processes an explicit backend event releasing
// userID from legal hold.
func (c *Client) HandleLegalHoldDisabled(ctx context.Context, userID string, at time.Time) error {
	return c.tracker.HandleDisable(ctx, userID, at)
}

// HandleMembersChanged re-derives a conversation's legal hold status
// after its member set changed.
func (c *Client) HandleMembersChanged(ctx context.Context, conversationID string, at time.Time) error {
	return c.tracker.HandleMembersChanged(ctx, conversationID, at)
}

// HandleConnection seeds the legal hold status of a conversation created
// by a connection request. When the conversation does not exist locally
// yet it returns ErrUnknownConversation so the event can be redelivered.
func (c *Client) HandleConnection(ctx context.Context, conn Connection) error {
	return c.tracker.HandleNewConnection(ctx, conn)
}

// HandleMessageSendFailure recovers from a send rejected for a changed
// device set and reports whether the conversation is under legal hold
// after recovery.
func (c *Client) HandleMessageSendFailure(ctx context.Context, conversationID string, at time.Time, recoverDevices func(ctx context.Context) error) (bool, error) {
	return c.tracker.HandleMessageSendFailure(ctx, conversationID, at, recoverDevices)
}

// Store exposes the local store for reads and conversation bookkeeping.
func (c *Client) Store() *store.Store {
	return c.store
}

func defaultDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "cobalt-go"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "cobalt-go"), nil
}

// The sqlite store satisfies every persistence interface the core needs.
var (
	_ coresvc.ConversationStore = (*store.Store)(nil)
	_ coresvc.MessageStore      = (*store.Store)(nil)
	_ coresvc.UserStore         = (*store.Store)(nil)
	_ coresvc.UserConfigStore   = (*store.Store)(nil)
)
