// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	providerName = "gmail"
	me           = "me"
	inboxLabel   = "INBOX"
)

// replyHeaders are the only headers requested when inspecting a message.
var replyHeaders = []string{
	"Subject", "From", "To", "Message-ID",

	// RFC 3834 / RFC 2369 automation markers
	"Auto-Submitted",
	"Precedence",
	"List-Id",
}

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	CallTimeout       time.Duration
	RequestsPerSecond float64 // <= 0 disables pacing
	PageSize          int64
	MaxPages          int    // <= 0 lists every page
	ExcludeLabel      string // messages carrying this label are not listed

	// Transport is the pooled base transport under the OAuth2 layer. Nil uses
	// the client library default.
	Transport http.RoundTripper

	// ClientOptions are appended after the credential option (endpoint or
	// HTTP client overrides).
	ClientOptions []option.ClientOption
}

// GmailAdapter implements out.MailboxGateway for Gmail.
type GmailAdapter struct {
	creds   out.CredentialProvider
	cfg     GmailConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(creds out.CredentialProvider, cfg GmailConfig, log zerolog.Logger) *GmailAdapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	log = log.With().Str("component", "gmail").Logger()

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 5 consecutive failures, or >= 60% failures over at least 10 requests
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// client-side failures (4xx, cancelled calls) count as successes
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &GmailAdapter{
		creds:   creds,
		cfg:     cfg,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		limiter: limiter,
		log:     log,
	}
}

// =============================================================================
// Inbox
// =============================================================================

// ListInboxMessages returns inbox messages not yet carrying the reply label,
// newest first. At most MaxPages pages are read per call.
func (a *GmailAdapter) ListInboxMessages(ctx context.Context) ([]domain.InboxEntry, error) {
	var entries []domain.InboxEntry
	query := inboxQuery(a.cfg.ExcludeLabel)
	pageToken := ""

	for page := 1; ; page++ {
		var resp *gmail.ListMessagesResponse
		err := a.call(ctx, "list messages", func(ctx context.Context, svc *gmail.Service) error {
			req := svc.Users.Messages.List(me).
				LabelIds(inboxLabel).
				MaxResults(a.cfg.PageSize).
				Fields("messages(id,threadId)", "nextPageToken")
			if query != "" {
				req = req.Q(query)
			}
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var apiErr error
			resp, apiErr = req.Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, err
		}

		for _, m := range resp.Messages {
			entries = append(entries, domain.InboxEntry{MessageID: m.Id, ThreadID: m.ThreadId})
		}
		if resp.NextPageToken == "" {
			return entries, nil
		}
		if a.cfg.MaxPages > 0 && page >= a.cfg.MaxPages {
			a.log.Debug().Int("pages", page).Int("entries", len(entries)).
				Msg("inbox listing truncated, older messages wait for a later cycle")
			return entries, nil
		}
		pageToken = resp.NextPageToken
	}
}

// ThreadMessageCount returns the number of messages in a thread.
func (a *GmailAdapter) ThreadMessageCount(ctx context.Context, threadID string) (int, error) {
	var thread *gmail.Thread
	err := a.call(ctx, "get thread", func(ctx context.Context, svc *gmail.Service) error {
		var apiErr error
		thread, apiErr = svc.Users.Threads.Get(me, threadID).
			Format("minimal").
			Fields("id", "messages/id").
			Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return 0, err
	}
	return len(thread.Messages), nil
}

// MessageHeaders returns the headers needed to answer a message.
func (a *GmailAdapter) MessageHeaders(ctx context.Context, messageID string) (*domain.MessageHeaders, error) {
	var msg *gmail.Message
	err := a.call(ctx, "get message", func(ctx context.Context, svc *gmail.Service) error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get(me, messageID).
			Format("metadata").
			MetadataHeaders(replyHeaders...).
			Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	if msg.Payload == nil {
		return &domain.MessageHeaders{}, nil
	}
	h := msg.Payload.Headers
	return &domain.MessageHeaders{
		Subject:       getHeader(h, "Subject"),
		From:          getHeader(h, "From"),
		To:            getHeader(h, "To"),
		MessageID:     getHeader(h, "Message-ID"),
		AutoSubmitted: getHeader(h, "Auto-Submitted"),
		Precedence:    getHeader(h, "Precedence"),
		ListID:        getHeader(h, "List-Id"),
	}, nil
}

// SendReply sends a raw RFC 5322 message into the thread.
func (a *GmailAdapter) SendReply(ctx context.Context, threadID string, raw []byte) error {
	gmailMsg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: threadID,
	}

	return a.call(ctx, "send reply", func(ctx context.Context, svc *gmail.Service) error {
		_, apiErr := svc.Users.Messages.Send(me, gmailMsg).Context(ctx).Do()
		return apiErr
	})
}

// =============================================================================
// Labels
// =============================================================================

// EnsureLabel returns the id of the named label, creating it when missing.
func (a *GmailAdapter) EnsureLabel(ctx context.Context, name string) (string, error) {
	id, err := a.findLabel(ctx, name)
	if err != nil || id != "" {
		return id, err
	}

	var created *gmail.Label
	err = a.call(ctx, "create label", func(ctx context.Context, svc *gmail.Service) error {
		label := &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}
		var apiErr error
		created, apiErr = svc.Users.Labels.Create(me, label).Context(ctx).Do()
		return apiErr
	})
	if err == nil {
		a.log.Info().Str("label", name).Str("label_id", created.Id).Msg("label created")
		return created.Id, nil
	}

	// Another writer created it first.
	if code, ok := out.ProviderErrorCodeOf(err); ok && code == out.ProviderErrConflict {
		id, findErr := a.findLabel(ctx, name)
		if findErr != nil {
			return "", findErr
		}
		if id != "" {
			return id, nil
		}
	}
	return "", err
}

func (a *GmailAdapter) findLabel(ctx context.Context, name string) (string, error) {
	var resp *gmail.ListLabelsResponse
	err := a.call(ctx, "list labels", func(ctx context.Context, svc *gmail.Service) error {
		var apiErr error
		resp, apiErr = svc.Users.Labels.List(me).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}

	for _, l := range resp.Labels {
		if strings.EqualFold(l.Name, name) {
			return l.Id, nil
		}
	}
	return "", nil
}

// ApplyLabel adds a label to a message.
func (a *GmailAdapter) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	req := &gmail.ModifyMessageRequest{AddLabelIds: []string{labelID}}

	return a.call(ctx, "modify labels", func(ctx context.Context, svc *gmail.Service) error {
		_, apiErr := svc.Users.Messages.Modify(me, messageID, req).Context(ctx).Do()
		return apiErr
	})
}

// =============================================================================
// Profile
// =============================================================================

// OwnerDisplayName returns the display name of the primary send-as identity,
// falling back to the account's email address.
func (a *GmailAdapter) OwnerDisplayName(ctx context.Context) (string, error) {
	var sendAs *gmail.ListSendAsResponse
	err := a.call(ctx, "list send-as", func(ctx context.Context, svc *gmail.Service) error {
		var apiErr error
		sendAs, apiErr = svc.Users.Settings.SendAs.List(me).Context(ctx).Do()
		return apiErr
	})
	switch {
	case err == nil:
		for _, s := range sendAs.SendAs {
			if s.IsPrimary && strings.TrimSpace(s.DisplayName) != "" {
				return strings.TrimSpace(s.DisplayName), nil
			}
		}
	case isTokenExpired(err):
		return "", err
	default:
		a.log.Debug().Err(err).Msg("send-as lookup failed, using profile address")
	}

	var profile *gmail.Profile
	err = a.call(ctx, "get profile", func(ctx context.Context, svc *gmail.Service) error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile(me).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	return profile.EmailAddress, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *GmailAdapter) getService(ctx context.Context) (*gmail.Service, error) {
	ts, err := a.creds.TokenSource(ctx)
	if err != nil {
		return nil, err
	}

	auth := option.WithTokenSource(ts)
	if a.cfg.Transport != nil {
		auth = option.WithHTTPClient(&http.Client{
			Transport: &oauth2.Transport{Source: ts, Base: a.cfg.Transport},
		})
	}
	opts := append([]option.ClientOption{auth}, a.cfg.ClientOptions...)
	return gmail.NewService(ctx, opts...)
}

// call paces, bounds and breaker-protects one API call.
func (a *GmailAdapter) call(ctx context.Context, operation string, fn func(ctx context.Context, svc *gmail.Service) error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return a.wrapError(err, "rate limiter wait aborted")
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	svc, err := a.getService(ctx)
	if err != nil {
		return a.wrapError(err, "failed to create gmail service")
	}

	if err := a.executeWithCircuitBreaker(operation, func() error { return fn(ctx, svc) }); err != nil {
		return a.wrapError(err, "failed to "+operation)
	}
	return nil
}

// executeWithCircuitBreaker wraps an API call with circuit breaker protection.
// Client-side failures are passed through without counting against Gmail.
func (a *GmailAdapter) executeWithCircuitBreaker(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if !tripsBreaker(err) {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}

	if err != nil {
		a.log.Warn().Str("operation", operation).Str("breaker_state", a.cb.State().String()).
			Err(err).Msg("gmail call failed")
	}
	return err
}

// isTokenExpired is narrower than out.IsAuthExpired: a 403 on an optional
// lookup means a missing scope, not a dead credential.
func isTokenExpired(err error) bool {
	code, ok := out.ProviderErrorCodeOf(err)
	return ok && code == out.ProviderErrTokenExpired
}

func tripsBreaker(err error) bool {
	if errors.Is(err, out.ErrUnauthenticated) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return true
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// CircuitState returns the current state of the circuit breaker.
func (a *GmailAdapter) CircuitState() string {
	return a.cb.State().String()
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return strings.TrimSpace(h.Value)
		}
	}
	return ""
}

// inboxQuery excludes messages already labeled as answered.
func inboxQuery(excludeLabel string) string {
	excludeLabel = strings.TrimSpace(excludeLabel)
	if excludeLabel == "" {
		return ""
	}
	return fmt.Sprintf("-label:%s", strings.ReplaceAll(excludeLabel, " ", "-"))
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, out.ErrUnauthenticated) {
		return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "No usable credential", err, false)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.NewProviderError(providerName, out.ProviderErrServer, "Circuit open", err, true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400:
			return out.NewProviderError(providerName, out.ProviderErrInvalidInput, "Invalid request", err, false)
		case 401:
			return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if isRateLimitReason(apiErr) {
				return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(providerName, out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError(providerName, out.ProviderErrNotFound, "Not found", err, false)
		case 409:
			return out.NewProviderError(providerName, out.ProviderErrConflict, "Already exists", err, false)
		case 429:
			return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503, 504:
			return out.NewProviderError(providerName, out.ProviderErrServer, "Server error", err, true)
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return out.NewProviderError(providerName, out.ProviderErrNetwork, "Network error", err, true)
	}

	return out.NewProviderError(providerName, out.ProviderErrServer, defaultMsg, err, true)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	if strings.Contains(apiErr.Message, "Rate Limit") {
		return true
	}
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.MailboxGateway = (*GmailAdapter)(nil)
