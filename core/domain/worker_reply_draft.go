package domain

import (
	"fmt"
	"mime"
	"strings"
)

// OwnerPlaceholder is substituted with the mailbox owner's display name in reply bodies.
const OwnerPlaceholder = "{owner}"

// DefaultReplyBody is the canned acknowledgment sent to every new thread.
const DefaultReplyBody = "Hello,\n\n" +
	"Thank you for your message. I have received it and will get back to you as soon as possible.\n\n" +
	"Best regards,\n" +
	OwnerPlaceholder + "\n"

// ReplyDraft is a composed reply, ready to be rendered as a raw message.
type ReplyDraft struct {
	From       string
	To         string
	Subject    string
	InReplyTo  string
	References string
	Body       string
}

// ComposeReply builds the acknowledgment for an inbound message. The reply is sent
// as the original recipient to the original sender, threaded on the original
// Message-ID when present and on the thread id otherwise.
func ComposeReply(threadID string, headers *MessageHeaders, ownerName, bodyTemplate string) *ReplyDraft {
	if bodyTemplate == "" {
		bodyTemplate = DefaultReplyBody
	}

	ref := strings.TrimSpace(headers.MessageID)
	if ref == "" {
		ref = threadID
	}

	return &ReplyDraft{
		From:       strings.TrimSpace(headers.To),
		To:         strings.TrimSpace(headers.From),
		Subject:    replySubject(headers.SubjectOrDefault()),
		InReplyTo:  ref,
		References: ref,
		Body:       strings.ReplaceAll(bodyTemplate, OwnerPlaceholder, ownerName),
	}
}

// replySubject prefixes "Re: " unless the subject already carries it.
func replySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// Raw renders the draft as an RFC 5322 message with CRLF line endings.
func (d *ReplyDraft) Raw() []byte {
	var buf strings.Builder

	writeHeader(&buf, "From", d.From)
	writeHeader(&buf, "To", d.To)
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", sanitizeHeader(d.Subject)))
	if d.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", d.InReplyTo)
	}
	if d.References != "" {
		writeHeader(&buf, "References", d.References)
	}
	writeHeader(&buf, "Auto-Submitted", "auto-replied")
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", "text/plain; charset=UTF-8")
	buf.WriteString("\r\n")

	body := strings.ReplaceAll(d.Body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	return []byte(buf.String())
}

func writeHeader(buf *strings.Builder, name, value string) {
	buf.WriteString(fmt.Sprintf("%s: %s\r\n", name, sanitizeHeader(value)))
}

// sanitizeHeader strips line breaks so a header value cannot inject new headers.
func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
