// Package tickets holds the collaborators that tie uploads to the ticket
// tracker: the tracker client contract, the ticket description builder, the
// report uploader and the stock-transfer reporter.
package tickets

import (
	"context"
	"fmt"
)

// Status is the state of a ticket in the tracker.
type Status string

// Ticket states.
const (
	StatusNew      Status = "new"
	StatusAssigned Status = "assigned"
	StatusAccepted Status = "accepted"
	StatusClosed   Status = "closed"
	StatusReopened Status = "reopened"
)

// Ticket is the tracker-side view of an issue.
type Ticket struct {
	Number      int
	Summary     string
	Description string
	Reporter    string
	Owner       string
	Component   string
	CC          []string
	Status      Status
	Resolution  string
	Attachments []Attachment
}

// Attachment references a report stored in the blob store.
type Attachment struct {
	Name        string
	Key         string
	ContentType string
	Size        int64
	Description string
}

// Update carries the fields to change; empty fields are left alone.
type Update struct {
	Summary     string
	Description string
	Comment     string
}

// Client is the ticket-tracker surface used by the pipeline.
type Client interface {
	Open(ctx context.Context, t Ticket) (int, error)
	Get(ctx context.Context, number int) (Ticket, error)
	Update(ctx context.Context, number int, u Update) error
	Accept(ctx context.Context, number int, user string) error
	Reassign(ctx context.Context, number int, owner string) error
	Reopen(ctx context.Context, number int, comment string) error
	Close(ctx context.Context, number int, resolution string) error
	Attach(ctx context.Context, number int, a Attachment) error
}

// ErrNotFound reports an unknown ticket number.
type ErrNotFound struct {
	Number int
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("ticket %d not found", e.Number)
}

// TransitionError reports an operation that is not allowed in the ticket's state.
type TransitionError struct {
	Number int
	From   Status
	Op     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot %s ticket %d in state %s", e.Op, e.Number, e.From)
}
