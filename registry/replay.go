package registry

import (
	"time"

	"github.com/sirupsen/logrus"
)

// HasProcessed reports whether the notification id is in the replay guard.
func (r *Registry) HasProcessed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.notifications[id]
	return ok
}

// MarkProcessed adds id to the replay guard. It returns false if id was
// already present, leaving the existing record untouched.
func (r *Registry) MarkProcessed(id string, sentAt, processedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.notifications[id]; exists {
		logrus.WithFields(logrus.Fields{
			"function":        "MarkProcessed",
			"notification_id": shortID(id),
		}).Debug("Notification already processed")
		return false
	}

	r.notifications[id] = &Notification{
		ID:          id,
		SentAt:      sentAt,
		ProcessedAt: processedAt,
	}
	return true
}

// MarkAlerted sets the alerted flag of a processed notification. It returns
// false if the flag was already set or id is unknown.
func (r *Registry) MarkAlerted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notifications[id]
	if !ok || n.Alerted {
		return false
	}
	n.Alerted = true
	return true
}

// Notification returns a copy of the record for id.
func (r *Registry) Notification(id string) (Notification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifications[id]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

// NotificationCount returns the size of the replay guard.
func (r *Registry) NotificationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.notifications)
}

// PruneNotifications removes records whose SentAt is before cutoff and
// returns how many were removed.
func (r *Registry) PruneNotifications(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, n := range r.notifications {
		if n.SentAt.Before(cutoff) {
			delete(r.notifications, id)
			removed++
		}
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "PruneNotifications",
			"removed":   removed,
			"remaining": len(r.notifications),
		}).Info("Pruned expired notifications")
	}
	return removed
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
