package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title     string
	Message   string
	Type      NotificationType
	SessionID string // Optional session reference
	AgentType string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers, even after one fails
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, n Notification) error { return nil }

// FromEvent builds the notification for a supervisor event. Only failures,
// timeouts and high memory warnings are worth a notification.
func FromEvent(ev supervisor.Event, warnPct float64) (Notification, bool) {
	n := Notification{
		SessionID: ev.SessionID,
		AgentType: ev.AgentType,
		Message:   ev.Message,
	}

	switch ev.Type {
	case supervisor.EventFailed:
		n.Title = fmt.Sprintf("%s worker failed", agentLabel(ev.AgentType))
		n.Type = NotifyError
	case supervisor.EventTimedOut:
		n.Title = fmt.Sprintf("%s worker timed out", agentLabel(ev.AgentType))
		n.Type = NotifyError
	case supervisor.EventMemory:
		if warnPct <= 0 || ev.HeapUsedPct <= warnPct {
			return Notification{}, false
		}
		n.Title = fmt.Sprintf("%s worker near its heap limit", agentLabel(ev.AgentType))
		n.Message = fmt.Sprintf("heap at %.1f%% (%.1f MB)", ev.HeapUsedPct, ev.MemoryMB)
		n.Type = NotifyWarning
	default:
		return Notification{}, false
	}
	return n, true
}

func agentLabel(agentType string) string {
	if agentType == "" {
		return "Agent"
	}
	return strings.ToUpper(agentType[:1]) + agentType[1:]
}

// Forward sends a notification for every relevant event until the channel
// closes or ctx is done. Each session gets at most one memory warning.
func Forward(ctx context.Context, events <-chan supervisor.Event, n Notifier, warnPct float64) {
	warned := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == supervisor.EventExited {
				delete(warned, ev.SessionID)
				continue
			}
			note, ok := FromEvent(ev, warnPct)
			if !ok {
				continue
			}
			if ev.Type == supervisor.EventMemory {
				if warned[ev.SessionID] {
					continue
				}
				warned[ev.SessionID] = true
			}
			if err := n.Send(ctx, note); err != nil {
				log.Printf("[notify] warning: sending notification for session %s: %v", ev.SessionID, err)
			}
		}
	}
}
