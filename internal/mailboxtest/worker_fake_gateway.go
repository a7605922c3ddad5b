// Package mailboxtest provides an in-memory mailbox for tests of the reply loop.
package mailboxtest

import (
	"context"
	"fmt"
	"sync"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"
)

// SentReply records one SendReply call.
type SentReply struct {
	ThreadID string
	Raw      []byte
}

// Gateway is a scriptable out.MailboxGateway. The zero value is not usable;
// call NewGateway.
type Gateway struct {
	mu sync.Mutex

	inbox   []domain.InboxEntry
	counts  map[string]int
	headers map[string]*domain.MessageHeaders
	labels  map[string]string
	applied map[string][]string
	sent    []SentReply
	fetched map[string]int

	// OwnerName is returned by OwnerDisplayName.
	OwnerName string

	// Per-operation failures. A non-nil error is returned instead of the result.
	ListErr    error
	CountErr   map[string]error
	HeadersErr map[string]error
	SendErr    map[string]error
	LabelErr   error
	ApplyErr   error
	OwnerErr   error

	// OnSend runs inside SendReply before it records the call.
	OnSend func(threadID string)

	ListCalls  int
	CountCalls int
	OwnerCalls int
	LabelCalls int
}

// NewGateway creates an empty mailbox.
func NewGateway() *Gateway {
	return &Gateway{
		counts:     make(map[string]int),
		headers:    make(map[string]*domain.MessageHeaders),
		labels:     make(map[string]string),
		applied:    make(map[string][]string),
		fetched:    make(map[string]int),
		CountErr:   make(map[string]error),
		HeadersErr: make(map[string]error),
		SendErr:    make(map[string]error),
		OwnerName:  "Owner",
	}
}

// Deliver adds an unread inbox message to a thread holding count messages.
func (g *Gateway) Deliver(threadID, messageID string, count int, headers *domain.MessageHeaders) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inbox = append(g.inbox, domain.InboxEntry{MessageID: messageID, ThreadID: threadID})
	g.counts[threadID] = count
	if headers != nil {
		g.headers[messageID] = headers
	}
}

// Headers builds a well-formed header set for tests.
func Headers(subject, from, to, messageID string) *domain.MessageHeaders {
	return &domain.MessageHeaders{
		Subject:   subject,
		From:      from,
		To:        to,
		MessageID: messageID,
	}
}

func (g *Gateway) ListInboxMessages(ctx context.Context) ([]domain.InboxEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ListCalls++
	if g.ListErr != nil {
		return nil, g.ListErr
	}
	entries := make([]domain.InboxEntry, len(g.inbox))
	copy(entries, g.inbox)
	return entries, nil
}

func (g *Gateway) ThreadMessageCount(ctx context.Context, threadID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.CountCalls++
	g.fetched[threadID]++
	if err := g.CountErr[threadID]; err != nil {
		return 0, err
	}
	count, ok := g.counts[threadID]
	if !ok {
		return 0, out.NewProviderError("fake", out.ProviderErrNotFound, "thread not found", nil, false)
	}
	return count, nil
}

func (g *Gateway) MessageHeaders(ctx context.Context, messageID string) (*domain.MessageHeaders, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.HeadersErr[messageID]; err != nil {
		return nil, err
	}
	h, ok := g.headers[messageID]
	if !ok {
		return &domain.MessageHeaders{}, nil
	}
	clone := *h
	return &clone, nil
}

func (g *Gateway) SendReply(ctx context.Context, threadID string, raw []byte) error {
	g.mu.Lock()
	hook := g.OnSend
	err := g.SendErr[threadID]
	g.mu.Unlock()

	if hook != nil {
		hook(threadID)
	}
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, SentReply{ThreadID: threadID, Raw: append([]byte(nil), raw...)})
	return nil
}

func (g *Gateway) EnsureLabel(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.LabelCalls++
	if g.LabelErr != nil {
		return "", g.LabelErr
	}
	if id, ok := g.labels[name]; ok {
		return id, nil
	}
	id := fmt.Sprintf("Label_%d", len(g.labels)+1)
	g.labels[name] = id
	return id, nil
}

func (g *Gateway) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ApplyErr != nil {
		return g.ApplyErr
	}
	g.applied[messageID] = append(g.applied[messageID], labelID)
	return nil
}

func (g *Gateway) OwnerDisplayName(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.OwnerCalls++
	if g.OwnerErr != nil {
		return "", g.OwnerErr
	}
	return g.OwnerName, nil
}

// Sent returns a copy of all replies sent so far.
func (g *Gateway) Sent() []SentReply {
	g.mu.Lock()
	defer g.mu.Unlock()

	sent := make([]SentReply, len(g.sent))
	copy(sent, g.sent)
	return sent
}

// SentTo returns how many replies went to threadID.
func (g *Gateway) SentTo(threadID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, s := range g.sent {
		if s.ThreadID == threadID {
			n++
		}
	}
	return n
}

// CountCallsFor returns how many times threadID was fetched.
func (g *Gateway) CountCallsFor(threadID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.fetched[threadID]
}

// Labels returns the label ids applied to messageID.
func (g *Gateway) Labels(messageID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]string(nil), g.applied[messageID]...)
}

// SetListErr sets or clears the inbox listing failure.
func (g *Gateway) SetListErr(err error) {
	g.mu.Lock()
	g.ListErr = err
	g.mu.Unlock()
}

// SetFail sets or clears a send failure for threadID.
func (g *Gateway) SetFail(threadID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		delete(g.SendErr, threadID)
		return
	}
	g.SendErr[threadID] = err
}

var _ out.MailboxGateway = (*Gateway)(nil)
