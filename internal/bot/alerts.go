package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pricelens/internal/domain"

	tele "gopkg.in/telebot.v3"
)

type messageSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// AlertDispatcher broadcasts drift alerts to subscribed chats.
type AlertDispatcher struct {
	sender messageSender

	mu          sync.RWMutex
	subscribers map[int64]struct{}
}

func NewAlertDispatcher(sender messageSender) *AlertDispatcher {
	return &AlertDispatcher{
		sender:      sender,
		subscribers: make(map[int64]struct{}),
	}
}

func (d *AlertDispatcher) Subscribe(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subscribers[chatID]; exists {
		return false
	}
	d.subscribers[chatID] = struct{}{}
	return true
}

func (d *AlertDispatcher) Unsubscribe(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subscribers[chatID]; !exists {
		return false
	}
	delete(d.subscribers, chatID)
	return true
}

func (d *AlertDispatcher) IsSubscribed(chatID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, exists := d.subscribers[chatID]
	return exists
}

func (d *AlertDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// NotifyDrift sends the report's alerts to every subscriber. Low-severity
// alerts are skipped; nobody wants a page for an informational note.
func (d *AlertDispatcher) NotifyDrift(ctx context.Context, report *domain.DriftReport) error {
	_ = ctx
	if d == nil || d.sender == nil || report == nil {
		return nil
	}
	notable := make([]domain.Alert, 0, len(report.Alerts))
	for _, a := range report.Alerts {
		if a.Severity == domain.SeverityLow {
			continue
		}
		notable = append(notable, a)
	}
	if len(notable) == 0 {
		return nil
	}

	chatIDs := d.snapshotSubscribers()
	if len(chatIDs) == 0 {
		return nil
	}

	msg := formatDriftMessage(report, notable)
	var failures []string
	for _, chatID := range chatIDs {
		if _, err := d.sender.Send(&tele.Chat{ID: chatID}, msg); err != nil {
			failures = append(failures, fmt.Sprintf("chat %d: %v", chatID, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("failed sending %d alerts: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

func (d *AlertDispatcher) snapshotSubscribers() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chatIDs := make([]int64, 0, len(d.subscribers))
	for chatID := range d.subscribers {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })
	return chatIDs
}

func formatDriftMessage(report *domain.DriftReport, alerts []domain.Alert) string {
	lines := make([]string, 0, len(alerts)+1)
	lines = append(lines, fmt.Sprintf("Drift alert (%d baseline / %d current rows):",
		report.BaselineRows, report.CurrentRows))
	for _, a := range alerts {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Type, a.Message))
	}
	return strings.Join(lines, "\n")
}
