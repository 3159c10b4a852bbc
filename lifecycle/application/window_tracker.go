package application

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/uniboxhq/unibox/lifecycle/domain/conversation"
	"github.com/uniboxhq/unibox/lifecycle/domain/event"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// WindowCheck is the point-in-time answer to "can we send to this
// conversation right now".
type WindowCheck struct {
	IsOpen            bool       `json:"is_open"`
	Status            string     `json:"status"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
}

// WindowTracker enforces the provider messaging window: a business may send
// free-form messages only within a fixed number of hours after the user's
// last inbound message. Stored window status is advisory; every send
// recomputes against the clock, so a stale "open" row can never let a late
// send through.
type WindowTracker struct {
	repo conversation.Repository
	sink event.Sink

	WindowDuration time.Duration
	SweepInterval  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func NewWindowTracker(repo conversation.Repository, sink event.Sink, windowHours int, sweepInterval time.Duration) *WindowTracker {
	return &WindowTracker{
		repo:           repo,
		sink:           sink,
		WindowDuration: time.Duration(windowHours) * time.Hour,
		SweepInterval:  sweepInterval,
		stop:           make(chan struct{}),
	}
}

// CheckMessagingWindow evaluates the window for a conversation without
// mutating it. A conversation with no user interaction yet is treated as
// open, so the first outreach on a fresh thread is never blocked.
func (w *WindowTracker) CheckMessagingWindow(ctx context.Context, conversationID string) (*WindowCheck, error) {
	conv, err := w.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return w.evaluate(conv), nil
}

func (w *WindowTracker) evaluate(conv *conversation.Conversation) *WindowCheck {
	if conv.State == conversation.StateUserBlocked {
		return &WindowCheck{
			IsOpen:            false,
			Status:            string(conversation.StateUserBlocked),
			ExpiresAt:         conv.MessagingWindowExpiresAt,
			LastInteractionAt: conv.LastUserInteractionAt,
		}
	}
	if conv.LastUserInteractionAt == nil {
		return &WindowCheck{IsOpen: true, Status: string(conversation.WindowOpen)}
	}

	expiresAt := conv.LastUserInteractionAt.Add(w.WindowDuration)
	if time.Now().Before(expiresAt) {
		return &WindowCheck{
			IsOpen:            true,
			Status:            string(conversation.WindowOpen),
			ExpiresAt:         &expiresAt,
			LastInteractionAt: conv.LastUserInteractionAt,
		}
	}
	return &WindowCheck{
		IsOpen:            false,
		Status:            string(conversation.StateExpired),
		ExpiresAt:         &expiresAt,
		LastInteractionAt: conv.LastUserInteractionAt,
	}
}

// EnsureSendAllowed is the lazy pre-send gate. It recomputes the window and,
// when the stored row still claims open on an expired window, closes it in
// the same pass so storage catches up with reality.
func (w *WindowTracker) EnsureSendAllowed(ctx context.Context, conversationID string) error {
	conv, err := w.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	check := w.evaluate(conv)
	if check.IsOpen {
		return nil
	}

	if conv.MessagingWindowStatus == conversation.WindowOpen && conv.State != conversation.StateUserBlocked {
		if cerr := w.closeWindow(ctx, conv); cerr != nil {
			logrus.WithError(cerr).Warnf("[WINDOW] Failed to persist closed window for conversation %s", conversationID)
		}
	}

	werr := &pkgError.WindowClosedError{
		ConversationID: conversationID,
		Status:         check.Status,
	}
	if check.ExpiresAt != nil {
		werr.ExpiresAt = *check.ExpiresAt
	}
	if check.LastInteractionAt != nil {
		werr.LastInteractionAt = *check.LastInteractionAt
	}
	return werr
}

// RecordInboundInteraction reopens the window off a fresh user message. A
// blocked conversation stays blocked; the block is lifted only by an explicit
// provider signal, never by message traffic.
func (w *WindowTracker) RecordInboundInteraction(ctx context.Context, conversationID string, at time.Time) error {
	conv, err := w.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.State == conversation.StateUserBlocked {
		logrus.Debugf("[WINDOW] Ignoring inbound interaction for blocked conversation %s", conversationID)
		return nil
	}

	expiresAt := at.Add(w.WindowDuration)
	err = w.repo.UpdateConversation(ctx, conversationID, map[string]any{
		conversation.FieldLastUserInteractionAt:    at,
		conversation.FieldMessagingWindowStatus:    string(conversation.WindowOpen),
		conversation.FieldMessagingWindowExpiresAt: expiresAt,
		conversation.FieldState:                    string(conversation.StateActive),
	})
	if err != nil {
		return err
	}
	w.publishUpdate(conv, string(conversation.StateActive))
	return nil
}

// MarkUserBlocked puts the conversation in its terminal state.
func (w *WindowTracker) MarkUserBlocked(ctx context.Context, conversationID string) error {
	conv, err := w.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	err = w.repo.UpdateConversation(ctx, conversationID, map[string]any{
		conversation.FieldMessagingWindowStatus: string(conversation.WindowClosed),
		conversation.FieldState:                 string(conversation.StateUserBlocked),
	})
	if err != nil {
		return err
	}
	w.publishUpdate(conv, string(conversation.StateUserBlocked))
	return nil
}

// MarkExpired closes the window off an explicit provider signal without
// waiting for the sweep.
func (w *WindowTracker) MarkExpired(ctx context.Context, conversationID string) error {
	conv, err := w.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.State == conversation.StateUserBlocked {
		return nil
	}
	err = w.repo.UpdateConversation(ctx, conversationID, map[string]any{
		conversation.FieldMessagingWindowStatus: string(conversation.WindowClosed),
		conversation.FieldState:                 string(conversation.StateExpired),
	})
	if err != nil {
		return err
	}
	w.publishUpdate(conv, string(conversation.StateExpired))
	return nil
}

// Start runs the hourly sweep that flips stale open windows to closed. The
// sweep is an accounting pass for dashboards and queries; correctness of
// sends rests on EnsureSendAllowed.
func (w *WindowTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// StopSweep halts the background sweep.
func (w *WindowTracker) StopSweep() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *WindowTracker) sweep(ctx context.Context) {
	stale, err := w.repo.OpenWindowsExpiredBefore(ctx, time.Now())
	if err != nil {
		logrus.WithError(err).Error("[WINDOW] Sweep failed to list expired windows")
		return
	}
	closed := 0
	for _, conv := range stale {
		if err := w.closeWindow(ctx, conv); err != nil {
			logrus.WithError(err).Warnf("[WINDOW] Sweep failed to close window for conversation %s", conv.ID)
			continue
		}
		closed++
	}
	if closed > 0 {
		logrus.Infof("[WINDOW] Sweep closed %d expired messaging window(s)", closed)
	}
}

func (w *WindowTracker) closeWindow(ctx context.Context, conv *conversation.Conversation) error {
	// user_blocked is terminal and expired already implies closed, so only
	// an active conversation transitions here.
	newState := conv.State
	if conv.State == conversation.StateActive {
		newState = conversation.StateWindowClosed
	}
	err := w.repo.UpdateConversation(ctx, conv.ID, map[string]any{
		conversation.FieldMessagingWindowStatus: string(conversation.WindowClosed),
		conversation.FieldState:                 string(newState),
	})
	if err != nil {
		return err
	}
	w.publishUpdate(conv, string(newState))
	return nil
}

func (w *WindowTracker) publishUpdate(conv *conversation.Conversation, state string) {
	w.sink.Publish(event.Event{
		Type:           event.ConversationUpdated,
		ConversationID: conv.ID,
		ConnectionID:   conv.ConnectionID,
		TenantID:       conv.TenantID,
		Detail:         state,
		Timestamp:      time.Now().UTC(),
	})
}
