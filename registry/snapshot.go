package registry

import "sort"

// Snapshot returns a deterministic copy of the registry contents, sorted by
// key and id.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := State{
		Contacts:      make([]Contact, 0, len(r.contacts)),
		Notifications: make([]Notification, 0, len(r.notifications)),
	}
	for pk, seen := range r.contacts {
		state.Contacts = append(state.Contacts, Contact{PublicKey: pk, LastSeenAt: seen})
	}
	for _, n := range r.notifications {
		state.Notifications = append(state.Notifications, *n)
	}

	sort.Slice(state.Contacts, func(i, j int) bool {
		return state.Contacts[i].PublicKey < state.Contacts[j].PublicKey
	})
	sort.Slice(state.Notifications, func(i, j int) bool {
		return state.Notifications[i].ID < state.Notifications[j].ID
	})
	return state
}
