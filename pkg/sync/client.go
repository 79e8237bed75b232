package sync

import (
	"context"
	"log/slog"
	stdsync "sync"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// Client composes the record store, the change-event applier, the
// reconciliation scheduler, and the mutation coordinator over a transport
// and a session gate. It owns the reactions: identity appearing hydrates
// the replica and attaches the feed, identity disappearing detaches and
// purges, a degraded feed falls back to reconciliation.
type Client struct {
	Store       *RecordStore
	Applier     *ChangeEventApplier
	Reconciler  *ReconciliationScheduler
	Coordinator *MutationCoordinator

	transport Transport
	session   SessionGate
	logger    *slog.Logger

	mu            stdsync.Mutex
	ctx           context.Context
	cancelSession func()
	cancelFeed    func()
	closed        bool
}

// NewClient builds an unstarted client. Call Start to begin syncing.
func NewClient(transport Transport, session SessionGate, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	store := NewRecordStore()
	reconciler := NewReconciliationScheduler(store, transport, session, logger)
	applier := NewChangeEventApplier(store, transport, reconciler.Ready, logger)

	c := &Client{
		Store:      store,
		Applier:    applier,
		Reconciler: reconciler,
		transport:  transport,
		session:    session,
		logger:     logger,
	}
	c.Coordinator = NewMutationCoordinator(store, transport, session, c.triggerReload, logger)
	return c
}

// Start attaches the session listener and, when an identity is already
// present, performs the initial load and feed attach. ctx bounds all
// background work the client spawns.
func (c *Client) Start(ctx context.Context) {
	cancelSession := c.session.OnChange(c.onSessionChange)

	c.mu.Lock()
	c.ctx = ctx
	c.cancelSession = cancelSession
	c.mu.Unlock()

	if _, ok := c.session.CurrentIdentity(); ok {
		c.hydrate()
	}
}

// Close detaches the session listener and the feed. The store keeps its
// last snapshot; callers that want a purge sign out first.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	cancelSession := c.cancelSession
	c.cancelSession = nil
	cancelFeed := c.cancelFeed
	c.cancelFeed = nil
	c.mu.Unlock()

	if cancelSession != nil {
		cancelSession()
	}
	if cancelFeed != nil {
		cancelFeed()
	}
}

// Resume is the visibility-regained trigger: the presentation layer calls
// it when the portal returns to the foreground, forcing a catch-up reload.
func (c *Client) Resume() {
	c.triggerReload()
}

// Retry is the explicit user-initiated reload trigger.
func (c *Client) Retry() {
	c.triggerReload()
}

func (c *Client) onSessionChange() {
	if _, ok := c.session.CurrentIdentity(); ok {
		c.hydrate()
		return
	}

	// Sign-out: detach the feed, drop every trace of the session.
	c.mu.Lock()
	cancelFeed := c.cancelFeed
	c.cancelFeed = nil
	c.mu.Unlock()
	if cancelFeed != nil {
		cancelFeed()
	}

	c.Reconciler.Reset()
	c.Coordinator.ClearDrafts()
	c.Store.Purge()
	c.logger.Info("session ended, replica purged")
}

// hydrate performs the first load and attaches the change feed.
func (c *Client) hydrate() {
	c.triggerReload()
	c.attachFeed()
}

func (c *Client) attachFeed() {
	c.mu.Lock()
	if c.closed || c.cancelFeed != nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()
	if _, ok := c.session.CurrentIdentity(); !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cancel, err := c.transport.Subscribe(ctx, c.onEvent, c.onFeedState)
	if err != nil {
		// No feed: the replica still works through reconciliation alone.
		c.logger.Warn("feed subscribe failed, relying on reconciliation",
			slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancelFeed = cancel
	c.mu.Unlock()
}

func (c *Client) onEvent(ev schema.ChangeEvent) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	c.Applier.Apply(ctx, ev)
}

// onFeedState reacts to transport-reported feed health. Degraded and closed
// both fall back to one full reload; the scheduler's single-flight flag
// absorbs bursts, so a run of missed events costs one reload, not one each.
func (c *Client) onFeedState(state schema.FeedState) {
	switch state {
	case schema.FeedConnected:
		c.logger.Debug("change feed connected")
	case schema.FeedDegraded:
		c.logger.Warn("change feed degraded, scheduling reconciliation")
		c.triggerReload()
	case schema.FeedClosed:
		c.mu.Lock()
		c.cancelFeed = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		// Cancelling the subscription also reports closed, so sign-out
		// lands here; with no identity left there is nothing to serve.
		if _, ok := c.session.CurrentIdentity(); !ok {
			return
		}
		c.logger.Warn("change feed closed, scheduling reconciliation")
		c.triggerReload()
		c.attachFeed()
	}
}

// triggerReload runs a reload in the background. Drops silently when no
// identity is present or another reload is already in flight.
func (c *Client) triggerReload() {
	c.mu.Lock()
	ctx := c.ctx
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		ran, err := c.Reconciler.Reload(ctx)
		if err != nil && ran {
			c.logger.Warn("reload failed", slog.String("error", err.Error()))
		}
	}()
}
