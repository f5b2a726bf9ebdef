package mailer

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Mailer for tests and the dry-run CLI mode.
type Fake struct {
	mu        sync.Mutex
	Inbox     []IncomingMessage
	Sent      []OutgoingReply
	Processed []string
	SendErr   error
	nextID    int
}

func (f *Fake) FetchUnread(ctx context.Context, max int64) ([]IncomingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.Inbox)) <= max {
		return append([]IncomingMessage(nil), f.Inbox...), nil
	}
	return append([]IncomingMessage(nil), f.Inbox[:max]...), nil
}

func (f *Fake) SendReply(ctx context.Context, out OutgoingReply) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	if out.To == "" || out.Body == "" {
		return "", fmt.Errorf("%w: to and body are required", ErrInvalidReply)
	}
	f.Sent = append(f.Sent, out)
	f.nextID++
	return fmt.Sprintf("fake-msg-%d", f.nextID), nil
}

func (f *Fake) MarkProcessed(ctx context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Processed = append(f.Processed, providerID)
	return nil
}

// SentCount is safe to call while the dispatcher is running.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
