package mailer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const gmailUserID = "me"

// GmailMailer implements Mailer against the Gmail API.
type GmailMailer struct {
	svc *gmail.Service
}

// NewGmailMailer builds a mailer from a bearer access token.
func NewGmailMailer(ctx context.Context, accessToken string) (*GmailMailer, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, src)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailMailer{svc: svc}, nil
}

func (g *GmailMailer) FetchUnread(ctx context.Context, max int64) ([]IncomingMessage, error) {
	list, err := g.svc.Users.Messages.List(gmailUserID).Q("is:unread").MaxResults(max).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	var msgs []IncomingMessage
	for _, ref := range list.Messages {
		full, err := g.svc.Users.Messages.Get(gmailUserID, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			return msgs, fmt.Errorf("get message %s: %w", ref.Id, err)
		}
		msgs = append(msgs, fromGmailMessage(full))
	}
	return msgs, nil
}

func fromGmailMessage(msg *gmail.Message) IncomingMessage {
	m := IncomingMessage{
		ProviderID: msg.Id,
		ThreadID:   msg.ThreadId,
		Snippet:    msg.Snippet,
		ReceivedAt: time.Unix(msg.InternalDate/1000, 0).UTC(),
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				m.FromName, m.From = splitAddress(h.Value)
			case "To":
				_, m.To = splitAddress(h.Value)
			case "Subject":
				m.Subject = h.Value
			}
		}
		m.BodyPlain = extractPart(msg.Payload, "text/plain")
		m.BodyHTML = extractPart(msg.Payload, "text/html")
	}
	if raw, err := json.Marshal(msg); err == nil {
		m.RawJSON = string(raw)
	}
	return m
}

// extractPart walks the MIME tree looking for the first part of the
// given mime type, the top-level body included.
func extractPart(payload *gmail.MessagePart, mimeType string) string {
	if payload == nil {
		return ""
	}
	if payload.MimeType == mimeType && payload.Body != nil && payload.Body.Data != "" {
		decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err == nil {
			return string(decoded)
		}
	}
	for _, part := range payload.Parts {
		if body := extractPart(part, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// splitAddress parses `Name <addr>` header values.
func splitAddress(v string) (name, addr string) {
	v = strings.TrimSpace(v)
	if i := strings.LastIndex(v, "<"); i >= 0 {
		name = strings.Trim(strings.TrimSpace(v[:i]), `"`)
		addr = strings.TrimSuffix(v[i+1:], ">")
		return name, strings.TrimSpace(addr)
	}
	return "", v
}

func (g *GmailMailer) SendReply(ctx context.Context, out OutgoingReply) (string, error) {
	if out.To == "" || out.Body == "" {
		return "", fmt.Errorf("%w: to and body are required", ErrInvalidReply)
	}
	subject := out.Subject
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", out.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if out.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", out.InReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", out.InReplyTo)
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(out.Body)

	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(b.String())),
		ThreadId: out.ThreadID,
	}
	sent, err := g.svc.Users.Messages.Send(gmailUserID, msg).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}
	return sent.Id, nil
}

func (g *GmailMailer) MarkProcessed(ctx context.Context, providerID string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
	if _, err := g.svc.Users.Messages.Modify(gmailUserID, providerID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}
