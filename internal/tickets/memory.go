package tickets

import (
	"context"
	"sync"
)

// MemoryTracker is an in-process ticket tracker.
type MemoryTracker struct {
	mu       sync.Mutex
	next     int
	tickets  map[int]*Ticket
	comments map[int][]string
}

var _ Client = (*MemoryTracker)(nil)

// NewMemoryTracker numbers tickets from first upwards.
func NewMemoryTracker(first int) *MemoryTracker {
	if first <= 0 {
		first = 1
	}
	return &MemoryTracker{next: first, tickets: make(map[int]*Ticket), comments: make(map[int][]string)}
}

// Open files a new ticket; an owner makes it assigned right away.
func (m *MemoryTracker) Open(_ context.Context, t Ticket) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Number = m.next
	m.next++
	t.Status = StatusNew
	if t.Owner != "" {
		t.Status = StatusAssigned
	}
	t.Attachments = nil
	m.tickets[t.Number] = &t
	return t.Number, nil
}

func (m *MemoryTracker) lookup(number int) (*Ticket, error) {
	t, ok := m.tickets[number]
	if !ok {
		return nil, ErrNotFound{Number: number}
	}
	return t, nil
}

// Get returns a copy of the ticket.
func (m *MemoryTracker) Get(_ context.Context, number int) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(number)
	if err != nil {
		return Ticket{}, err
	}
	cp := *t
	cp.CC = append([]string(nil), t.CC...)
	cp.Attachments = append([]Attachment(nil), t.Attachments...)
	return cp, nil
}

// Comments returns the comments left on a ticket.
func (m *MemoryTracker) Comments(number int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[number]...)
}

// Update changes summary or description and appends the comment.
func (m *MemoryTracker) Update(_ context.Context, number int, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(number)
	if err != nil {
		return err
	}
	if u.Summary != "" {
		t.Summary = u.Summary
	}
	if u.Description != "" {
		t.Description = u.Description
	}
	if u.Comment != "" {
		m.comments[number] = append(m.comments[number], u.Comment)
	}
	return nil
}

// Accept makes user the owner of an open ticket.
func (m *MemoryTracker) Accept(_ context.Context, number int, user string) error {
	return m.transition(number, "accept", func(t *Ticket) bool {
		if t.Status == StatusClosed {
			return false
		}
		t.Owner = user
		t.Status = StatusAccepted
		return true
	})
}

// Reassign hands an open ticket to another owner.
func (m *MemoryTracker) Reassign(_ context.Context, number int, owner string) error {
	return m.transition(number, "reassign", func(t *Ticket) bool {
		if t.Status == StatusClosed {
			return false
		}
		t.Owner = owner
		t.Status = StatusAssigned
		return true
	})
}

// Reopen reopens a closed ticket.
func (m *MemoryTracker) Reopen(_ context.Context, number int, comment string) error {
	err := m.transition(number, "reopen", func(t *Ticket) bool {
		if t.Status != StatusClosed {
			return false
		}
		t.Status = StatusReopened
		t.Resolution = ""
		return true
	})
	if err == nil && comment != "" {
		m.mu.Lock()
		m.comments[number] = append(m.comments[number], comment)
		m.mu.Unlock()
	}
	return err
}

// Close resolves an open ticket.
func (m *MemoryTracker) Close(_ context.Context, number int, resolution string) error {
	return m.transition(number, "close", func(t *Ticket) bool {
		if t.Status == StatusClosed {
			return false
		}
		t.Status = StatusClosed
		t.Resolution = resolution
		return true
	})
}

// Attach adds an attachment; one with the same name is replaced.
func (m *MemoryTracker) Attach(_ context.Context, number int, a Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(number)
	if err != nil {
		return err
	}
	for i := range t.Attachments {
		if t.Attachments[i].Name == a.Name {
			t.Attachments[i] = a
			return nil
		}
	}
	t.Attachments = append(t.Attachments, a)
	return nil
}

func (m *MemoryTracker) transition(number int, op string, apply func(*Ticket) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(number)
	if err != nil {
		return err
	}
	from := t.Status
	if !apply(t) {
		return TransitionError{Number: number, From: from, Op: op}
	}
	return nil
}
