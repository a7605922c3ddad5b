// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"time"

	"autoreply_worker/core/domain"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mailbox Gateway Port
// =============================================================================

// MailboxGateway is the set of remote mail operations the reply loop needs.
// Implementations hold no state of their own; errors are *ProviderError.
type MailboxGateway interface {
	ListInboxMessages(ctx context.Context) ([]domain.InboxEntry, error)
	ThreadMessageCount(ctx context.Context, threadID string) (int, error)
	MessageHeaders(ctx context.Context, messageID string) (*domain.MessageHeaders, error)
	SendReply(ctx context.Context, threadID string, raw []byte) error

	// Labels
	EnsureLabel(ctx context.Context, name string) (string, error)
	ApplyLabel(ctx context.Context, messageID, labelID string) error

	OwnerDisplayName(ctx context.Context) (string, error)
}

// =============================================================================
// Reply Ledger Port
// =============================================================================

// ReplyLedger is the dedup ledger of threads already handled.
//
// TryClaim is the only gate allowed to start a reply: it must atomically insert a
// claimed record when none is live and report whether this caller won.
type ReplyLedger interface {
	HasReplied(ctx context.Context, threadID string) (bool, error)
	TryClaim(ctx context.Context, threadID, messageID string) (bool, error)
	MarkReplied(ctx context.Context, threadID string) error
	MarkSkipped(ctx context.Context, threadID string) error
	Release(ctx context.Context, threadID string) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// =============================================================================
// Credential Port
// =============================================================================

// CredentialProvider supplies the mailbox owner's renewable credential.
type CredentialProvider interface {
	// TokenSource returns ErrUnauthenticated when no usable credential exists.
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
	Ready(ctx context.Context) bool
	// Invalidate drops the cached access token after the provider rejected it.
	Invalidate(ctx context.Context)
}

// TokenStore persists the owner's OAuth token.
type TokenStore interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, token *oauth2.Token) error
}
