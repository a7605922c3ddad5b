// Package reply decides whether an inbound message is owed an automatic reply
// and sends it.
package reply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"

	"github.com/rs/zerolog"
)

// DefaultLabelName is applied to every message that received an automatic reply.
const DefaultLabelName = "Auto-Replied"

// ledgerWriteTimeout bounds ledger writes that must outlive a cancelled thread context.
const ledgerWriteTimeout = 5 * time.Second

// Config controls reply composition and the unreplyable-message policy.
type Config struct {
	LabelName       string // empty disables labeling
	BodyTemplate    string // {owner} is replaced with the display name
	SkipAutomated   bool   // do not answer RFC 3834 automated mail
	RecordMalformed bool   // settle unreplyable threads so they are not refetched
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		LabelName:       DefaultLabelName,
		BodyTemplate:    domain.DefaultReplyBody,
		SkipAutomated:   true,
		RecordMalformed: true,
	}
}

// Engine is the reply decision engine.
type Engine struct {
	gateway out.MailboxGateway
	ledger  out.ReplyLedger
	owners  *OwnerDirectory
	cfg     Config
	log     zerolog.Logger

	labelMu sync.Mutex
	labelID string
}

// NewEngine creates a reply engine.
func NewEngine(gateway out.MailboxGateway, ledger out.ReplyLedger, owners *OwnerDirectory, cfg Config, log zerolog.Logger) *Engine {
	if owners == nil {
		owners = NewOwnerDirectory(gateway, 0)
	}
	return &Engine{
		gateway: gateway,
		ledger:  ledger,
		owners:  owners,
		cfg:     cfg,
		log:     log.With().Str("component", "reply_engine").Logger(),
	}
}

// ProcessMessage evaluates one inbox entry and replies at most once per thread.
//
// A thread is claimed in the ledger before any remote call. Failures before the
// send release the claim so the next poll cycle retries; once the reply is out the
// thread is marked replied even if labeling fails.
func (e *Engine) ProcessMessage(ctx context.Context, entry domain.InboxEntry) (domain.ReplyOutcome, error) {
	log := e.log.With().
		Str("thread_id", entry.ThreadID).
		Str("message_id", entry.MessageID).
		Logger()

	won, err := e.ledger.TryClaim(ctx, entry.ThreadID, entry.MessageID)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("failed to claim thread %s: %w", entry.ThreadID, err)
	}
	if !won {
		log.Debug().Msg("thread already claimed or settled")
		return domain.OutcomeDuplicate, nil
	}

	count, err := e.gateway.ThreadMessageCount(ctx, entry.ThreadID)
	if err != nil {
		e.release(ctx, entry.ThreadID, log)
		return domain.OutcomeFailed, fmt.Errorf("failed to get thread: %w", err)
	}
	if count > 1 {
		e.release(ctx, entry.ThreadID, log)
		log.Debug().Int("message_count", count).Msg("thread already answered")
		return domain.OutcomeAlreadyAnswered, nil
	}

	headers, err := e.gateway.MessageHeaders(ctx, entry.MessageID)
	if err != nil {
		e.release(ctx, entry.ThreadID, log)
		return domain.OutcomeFailed, fmt.Errorf("failed to get message headers: %w", err)
	}
	if !headers.Replyable() {
		e.skip(ctx, entry.ThreadID, log)
		log.Info().Msg("message has no From or To header, not replying")
		return domain.OutcomeMalformed, nil
	}
	if e.cfg.SkipAutomated && headers.Automated() {
		e.skip(ctx, entry.ThreadID, log)
		log.Info().
			Str("auto_submitted", headers.AutoSubmitted).
			Str("precedence", headers.Precedence).
			Msg("automated message, not replying")
		return domain.OutcomeAutomated, nil
	}

	owner, err := e.owners.DisplayName(ctx)
	if err != nil {
		e.release(ctx, entry.ThreadID, log)
		return domain.OutcomeFailed, fmt.Errorf("failed to resolve owner name: %w", err)
	}

	draft := domain.ComposeReply(entry.ThreadID, headers, owner, e.cfg.BodyTemplate)
	if err := e.gateway.SendReply(ctx, entry.ThreadID, draft.Raw()); err != nil {
		e.release(ctx, entry.ThreadID, log)
		return domain.OutcomeFailed, fmt.Errorf("failed to send reply: %w", err)
	}

	outcome := domain.OutcomeSent
	if err := e.applyLabel(ctx, entry.MessageID); err != nil {
		log.Warn().Err(err).Msg("reply sent but labeling failed")
		outcome = domain.OutcomeSentUnlabeled
	}

	wctx, cancel := detached(ctx)
	defer cancel()
	if err := e.ledger.MarkReplied(wctx, entry.ThreadID); err != nil {
		log.Error().Err(err).Msg("reply sent but ledger write failed")
	}

	log.Info().Str("to", draft.To).Str("outcome", string(outcome)).Msg("auto-reply sent")
	return outcome, nil
}

// applyLabel marks the original message. The label id is resolved once and
// forgotten if the provider no longer knows it.
func (e *Engine) applyLabel(ctx context.Context, messageID string) error {
	if e.cfg.LabelName == "" {
		return nil
	}

	labelID, err := e.resolveLabel(ctx)
	if err != nil {
		return err
	}

	if err := e.gateway.ApplyLabel(ctx, messageID, labelID); err != nil {
		if code, ok := out.ProviderErrorCodeOf(err); ok && code == out.ProviderErrNotFound {
			e.forgetLabel(labelID)
		}
		return fmt.Errorf("failed to apply label: %w", err)
	}
	return nil
}

func (e *Engine) resolveLabel(ctx context.Context) (string, error) {
	e.labelMu.Lock()
	defer e.labelMu.Unlock()

	if e.labelID != "" {
		return e.labelID, nil
	}
	id, err := e.gateway.EnsureLabel(ctx, e.cfg.LabelName)
	if err != nil {
		return "", fmt.Errorf("failed to ensure label %q: %w", e.cfg.LabelName, err)
	}
	e.labelID = id
	return id, nil
}

func (e *Engine) forgetLabel(labelID string) {
	e.labelMu.Lock()
	if e.labelID == labelID {
		e.labelID = ""
	}
	e.labelMu.Unlock()
}

// InvalidateOwner drops the cached owner display name.
func (e *Engine) InvalidateOwner() {
	e.owners.Invalidate()
}

func (e *Engine) release(ctx context.Context, threadID string, log zerolog.Logger) {
	wctx, cancel := detached(ctx)
	defer cancel()
	if err := e.ledger.Release(wctx, threadID); err != nil {
		log.Error().Err(err).Msg("failed to release thread claim")
	}
}

func (e *Engine) skip(ctx context.Context, threadID string, log zerolog.Logger) {
	if !e.cfg.RecordMalformed {
		e.release(ctx, threadID, log)
		return
	}
	wctx, cancel := detached(ctx)
	defer cancel()
	if err := e.ledger.MarkSkipped(wctx, threadID); err != nil {
		log.Error().Err(err).Msg("failed to record skipped thread")
	}
}

// detached keeps ledger writes alive when the thread's own deadline has passed.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
}
