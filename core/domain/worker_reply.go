package domain

import (
	"strings"
)

// DefaultSubject replaces a missing Subject header.
const DefaultSubject = "(no subject)"

// InboxEntry is one message stub surfaced by the inbox listing.
type InboxEntry struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}

// Thread is a provider-side conversation as seen at inspection time.
type Thread struct {
	ID           string `json:"id"`
	MessageCount int    `json:"message_count"`
}

// MessageHeaders holds the headers of an inbound message needed to answer it.
type MessageHeaders struct {
	Subject   string `json:"subject"`
	From      string `json:"from"`
	To        string `json:"to"`
	MessageID string `json:"message_id,omitempty"`

	// RFC 3834 / RFC 2369 automation markers
	AutoSubmitted string `json:"auto_submitted,omitempty"`
	Precedence    string `json:"precedence,omitempty"`
	ListID        string `json:"list_id,omitempty"`
}

// Replyable reports whether the message carries a return path and a recipient
// identity to answer as.
func (h *MessageHeaders) Replyable() bool {
	return h != nil && strings.TrimSpace(h.From) != "" && strings.TrimSpace(h.To) != ""
}

// Automated reports whether the message was generated by software and must not
// be answered automatically (RFC 3834 section 2).
func (h *MessageHeaders) Automated() bool {
	if h == nil {
		return false
	}
	if v := strings.ToLower(strings.TrimSpace(h.AutoSubmitted)); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(h.Precedence)) {
	case "bulk", "list", "junk":
		return true
	}
	return strings.TrimSpace(h.ListID) != ""
}

// SubjectOrDefault returns the subject, or DefaultSubject when it is blank.
func (h *MessageHeaders) SubjectOrDefault() string {
	if h == nil || strings.TrimSpace(h.Subject) == "" {
		return DefaultSubject
	}
	return h.Subject
}

// ReplyOutcome is the result of evaluating one inbox entry.
type ReplyOutcome string

const (
	OutcomeSent            ReplyOutcome = "sent"
	OutcomeSentUnlabeled   ReplyOutcome = "sent_unlabeled"
	OutcomeDuplicate       ReplyOutcome = "duplicate"
	OutcomeAlreadyAnswered ReplyOutcome = "already_answered"
	OutcomeMalformed       ReplyOutcome = "malformed"
	OutcomeAutomated       ReplyOutcome = "automated"
	OutcomeFailed          ReplyOutcome = "failed"
)

// Replied reports whether the outcome means a reply went out.
func (o ReplyOutcome) Replied() bool {
	return o == OutcomeSent || o == OutcomeSentUnlabeled
}
