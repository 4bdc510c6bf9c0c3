package cma

import (
	"context"
	"fmt"
	"log/slog"
)

// NotifyingHandler reports every dispatched event to the app and asks for a
// database refresh after events whose code is in RefreshCodes. An optional
// Next handler performs the actual content work.
type NotifyingHandler struct {
	Next         EventHandler
	Notifier     Notifier
	RefreshCodes map[uint16]bool
	Logger       *slog.Logger
}

// NewNotifyingHandler wraps next, which may be nil.
func NewNotifyingHandler(next EventHandler, notifier Notifier, refreshCodes []uint16, logger *slog.Logger) *NotifyingHandler {
	codes := make(map[uint16]bool, len(refreshCodes))
	for _, c := range refreshCodes {
		codes[c] = true
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyingHandler{
		Next:         next,
		Notifier:     notifier,
		RefreshCodes: codes,
		Logger:       logger.With("component", "events"),
	}
}

func (h *NotifyingHandler) HandleEvent(ctx context.Context, ev Event) error {
	h.Logger.Debug("Processing event", "code", fmt.Sprintf("0x%04x", ev.Code), "params", ev.Params)

	var err error
	if h.Next != nil {
		err = h.Next.HandleEvent(ctx, ev)
	}
	if err != nil {
		h.Notifier.Notify(StatusMessage(fmt.Sprintf("Event 0x%04x failed: %v", ev.Code, err)))
		return err
	}

	h.Notifier.Notify(StatusMessage(fmt.Sprintf("Processed event 0x%04x", ev.Code)))
	if h.RefreshCodes[ev.Code] {
		h.Notifier.Notify(DatabaseRefreshRequested())
	}
	return nil
}

func (h *NotifyingHandler) CancelTask(ev Event) {
	h.Logger.Info("Cancel task requested", "code", fmt.Sprintf("0x%04x", ev.Code), "task_id", ev.Param(0))
	if h.Next != nil {
		h.Next.CancelTask(ev)
	}
}
