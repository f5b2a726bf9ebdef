// Package mailer is the mailbox boundary: fetching incoming messages
// and delivering approved replies.
package mailer

import (
	"context"
	"errors"
	"time"
)

// IncomingMessage is a provider-neutral view of a fetched email.
type IncomingMessage struct {
	ProviderID string
	ThreadID   string
	From       string
	FromName   string
	To         string
	Subject    string
	BodyPlain  string
	BodyHTML   string
	Snippet    string
	ReceivedAt time.Time
	RawJSON    string
}

// OutgoingReply is a reply to be delivered on an existing thread.
type OutgoingReply struct {
	ThreadID  string
	InReplyTo string
	To        string
	Subject   string
	Body      string
}

// ErrInvalidReply marks a reply the provider will never accept;
// retrying is pointless.
var ErrInvalidReply = errors.New("invalid outgoing reply")

type Mailer interface {
	// FetchUnread returns up to max unread messages.
	FetchUnread(ctx context.Context, max int64) ([]IncomingMessage, error)
	// SendReply delivers a reply and returns the provider message id.
	SendReply(ctx context.Context, out OutgoingReply) (string, error)
	// MarkProcessed removes the unread marker from a message.
	MarkProcessed(ctx context.Context, providerID string) error
}
