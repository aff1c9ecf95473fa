package chat

import (
	"sort"
)

// synchronizer maintains the ordered, duplicate-free message list for
// one room. It is not goroutine-safe: the owning session mutates it
// from its run loop only.
type synchronizer struct {
	currentUserID string
	messages      []Message
	seen          map[string]bool
}

func newSynchronizer(currentUserID string) *synchronizer {
	return &synchronizer{
		currentUserID: currentUserID,
		seen:          make(map[string]bool),
	}
}

// SetSnapshot replaces the working set with the server's join snapshot
func (s *synchronizer) SetSnapshot(records []WireMessage) {
	s.messages = s.messages[:0]
	s.seen = make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ID == "" || s.seen[rec.ID] {
			continue
		}
		s.seen[rec.ID] = true
		s.messages = append(s.messages, fromWire(rec, s.currentUserID))
	}
	s.resort()
}

// Merge inserts a message unless its id is already visible. Returns
// false for duplicates, which are discarded.
func (s *synchronizer) Merge(msg Message) bool {
	if msg.ID == "" || s.seen[msg.ID] {
		return false
	}
	s.seen[msg.ID] = true
	s.messages = append(s.messages, msg)
	s.resort()
	return true
}

// ReplaceID re-keys a message in place, typically reconciling an
// optimistic local placeholder to the server-assigned id.
func (s *synchronizer) ReplaceID(oldID, newID string, status Status) bool {
	if oldID == newID {
		return s.SetStatus(oldID, status)
	}
	if s.seen[newID] {
		// The authoritative copy already arrived via live push; drop
		// the placeholder instead of duplicating it.
		s.Remove(oldID)
		return s.SetStatus(newID, status)
	}
	for i := range s.messages {
		if s.messages[i].ID == oldID {
			delete(s.seen, oldID)
			s.seen[newID] = true
			s.messages[i].ID = newID
			s.messages[i].Status = status
			return true
		}
	}
	return false
}

// SetStatus updates the advisory delivery status of one message
func (s *synchronizer) SetStatus(id string, status Status) bool {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = status
			return true
		}
	}
	return false
}

// SetMedia attaches upload metadata to an optimistic placeholder
func (s *synchronizer) SetMedia(id string, media *MediaInfo) bool {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Media = media
			return true
		}
	}
	return false
}

// Remove drops a message from the visible set
func (s *synchronizer) Remove(id string) bool {
	for i := range s.messages {
		if s.messages[i].ID == id {
			delete(s.seen, id)
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a message by id
func (s *synchronizer) Get(id string) (Message, bool) {
	for _, msg := range s.messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return Message{}, false
}

// Messages returns a copy of the visible list, ordered ascending by
// CreatedAt with ties kept in insertion order.
func (s *synchronizer) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *synchronizer) Len() int {
	return len(s.messages)
}

// resort restores CreatedAt order. The stable sort keeps insertion
// order for equal timestamps.
func (s *synchronizer) resort() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
}
