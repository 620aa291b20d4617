package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/platform/storage"
)

// NotifyHandler processes the notify queue: support-chat alerts for
// tickets and user-facing notifications.
type NotifyHandler struct {
	store     storage.Store
	messenger domain.Messenger
	users     domain.UserNotifier
}

func NewNotifyHandler(store storage.Store, messenger domain.Messenger, users domain.UserNotifier) *NotifyHandler {
	return &NotifyHandler{store: store, messenger: messenger, users: users}
}

// HandleSupport alerts the support chat about a ticket. A missing
// ticket completes as a no-op; an unconfigured messenger skips
// delivery; a failed delivery surfaces as an error for retry.
func (h *NotifyHandler) HandleSupport(ctx context.Context, raw json.RawMessage) error {
	var p domain.NotifySupportPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("bad notify_support payload: %w", err)
	}

	ticket, err := h.store.TicketForNotify(ctx, p.TicketID)
	if err != nil {
		return fmt.Errorf("failed to load ticket %s: %w", p.TicketID, err)
	}
	if ticket == nil {
		slog.Info("Ticket not found, skipping notification", "ticketID", p.TicketID)
		return nil
	}

	var lastBody string
	if len(ticket.Messages) > 0 {
		lastBody = ticket.Messages[0].Body
	}

	text := fmt.Sprintf("%s\nSubject: %s\nUser: %s\n\n%s\n\nTicketID: %s",
		supportHeading(p.Kind), ticket.Subject, userLabel(ticket), lastBody, ticket.ID)

	if !h.messenger.Configured() {
		slog.Info("Messenger not configured, skipping", "ticketID", ticket.ID)
		return nil
	}
	if err := h.messenger.SendSupport(ctx, text); err != nil {
		return err
	}

	slog.Info("Support notification sent", "ticketID", ticket.ID, "kind", p.Kind)
	return nil
}

// HandleUser delivers a user-facing notification through the pluggable
// notifier.
func (h *NotifyHandler) HandleUser(ctx context.Context, raw json.RawMessage) error {
	var p domain.NotifyUserPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("bad notify_user payload: %w", err)
	}
	return h.users.Notify(ctx, p.UserID, p.Kind, p.Message)
}

func supportHeading(kind string) string {
	switch kind {
	case domain.KindNewTicket:
		return "New Ticket"
	case domain.KindNewMessage:
		return "New Message"
	default:
		return kind
	}
}

// userLabel identifies the ticket owner in the support message:
// email, else phone, else user ID, else "anonymous".
func userLabel(t *storage.Ticket) string {
	if t.User != nil {
		if t.User.Email != nil && *t.User.Email != "" {
			return *t.User.Email
		}
		if t.User.Phone != nil && *t.User.Phone != "" {
			return *t.User.Phone
		}
	}
	if t.UserID != nil && *t.UserID != "" {
		return *t.UserID
	}
	return "anonymous"
}

// LogNotifier is the default user notification channel: it logs the
// notification and reports success. A real delivery channel (email,
// Telegram DM) implements domain.UserNotifier and replaces it.
type LogNotifier struct{}

var _ domain.UserNotifier = LogNotifier{}

func (LogNotifier) Notify(_ context.Context, userID, kind, message string) error {
	slog.Info("User notification", "userID", userID, "kind", kind, "message", message)
	return nil
}
