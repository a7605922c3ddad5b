// Package auth supplies the mailbox owner's renewable Google credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autoreply_worker/core/port/out"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

// tokenSaveTimeout bounds persisting a refreshed token.
const tokenSaveTimeout = 5 * time.Second

// NewGoogleConfig builds the OAuth client for the Gmail scopes the worker needs.
func NewGoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			gmail.GmailModifyScope,
			gmail.GmailSendScope,
			gmail.GmailSettingsBasicScope,
		},
		Endpoint: google.Endpoint,
	}
}

// CredentialService hands out an auto-refreshing token source for the owner.
// Refreshed tokens are written back to the store. A refresh token rejected by
// Google marks the credential revoked until a different one is stored.
type CredentialService struct {
	config *oauth2.Config
	store  out.TokenStore
	log    zerolog.Logger

	mu             sync.Mutex
	source         oauth2.TokenSource
	revoked        bool
	revokedRefresh string
	stale          bool
}

// NewCredentialService creates a credential service.
func NewCredentialService(config *oauth2.Config, store out.TokenStore, log zerolog.Logger) *CredentialService {
	return &CredentialService{
		config: config,
		store:  store,
		log:    log.With().Str("component", "credentials").Logger(),
	}
}

// Seed stores refreshToken unless the store already holds it.
func (s *CredentialService) Seed(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	existing, err := s.store.Load(ctx)
	if err == nil && existing.RefreshToken == refreshToken {
		return nil
	}
	if err != nil && !errors.Is(err, out.ErrTokenNotFound) {
		return fmt.Errorf("failed to load token: %w", err)
	}
	return s.Store(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

// Store replaces the owner's token and clears any revoked state.
func (s *CredentialService) Store(ctx context.Context, token *oauth2.Token) error {
	if err := s.store.Save(ctx, token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	s.mu.Lock()
	s.source = nil
	s.revoked = false
	s.revokedRefresh = ""
	s.mu.Unlock()
	return nil
}

// TokenSource returns the cached source, building it from the store on first use.
func (s *CredentialService) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked {
		return nil, out.ErrUnauthenticated
	}
	if s.source != nil {
		return s.source, nil
	}

	tok, err := s.loadUsable(ctx)
	if err != nil {
		return nil, err
	}
	if s.stale {
		tok.AccessToken = ""
		tok.Expiry = time.Time{}
		s.stale = false
	}

	// Refreshes outlive the caller's context.
	base := s.config.TokenSource(context.Background(), tok)
	s.source = &persistingSource{svc: s, base: base, last: tok.AccessToken, refresh: tok.RefreshToken}
	return s.source, nil
}

// Ready reports whether a credential is available. A revoked credential becomes
// ready again once the store holds a different refresh token.
func (s *CredentialService) Ready(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source != nil && !s.revoked {
		return true
	}
	tok, err := s.loadUsable(ctx)
	if err != nil {
		return false
	}
	if s.revoked {
		if tok.RefreshToken == s.revokedRefresh {
			return false
		}
		s.revoked = false
		s.revokedRefresh = ""
		s.log.Info().Msg("new credential found, resuming")
	}
	return true
}

// Invalidate drops the cached access token so the next call refreshes it.
func (s *CredentialService) Invalidate(ctx context.Context) {
	s.mu.Lock()
	s.source = nil
	s.stale = true
	s.mu.Unlock()
}

func (s *CredentialService) loadUsable(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.store.Load(ctx)
	if errors.Is(err, out.ErrTokenNotFound) {
		return nil, out.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if tok.RefreshToken == "" && !tok.Valid() {
		return nil, out.ErrUnauthenticated
	}
	return tok, nil
}

func (s *CredentialService) markRevoked(refreshToken string, cause error) {
	s.mu.Lock()
	s.revoked = true
	s.revokedRefresh = refreshToken
	s.source = nil
	s.mu.Unlock()

	s.log.Warn().Err(cause).Msg("refresh token rejected, re-authentication required")
}

func (s *CredentialService) persist(tok *oauth2.Token) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenSaveTimeout)
	defer cancel()

	if err := s.store.Save(ctx, tok); err != nil {
		s.log.Error().Err(err).Msg("failed to persist refreshed token")
		return
	}
	s.log.Debug().Time("expiry", tok.Expiry).Msg("refreshed token persisted")
}

// persistingSource saves every newly minted access token.
type persistingSource struct {
	svc  *CredentialService
	base oauth2.TokenSource

	mu      sync.Mutex
	last    string
	refresh string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		if isTokenRevokedError(err) {
			p.mu.Lock()
			refresh := p.refresh
			p.mu.Unlock()
			p.svc.markRevoked(refresh, err)
			return nil, fmt.Errorf("%w: %v", out.ErrUnauthenticated, err)
		}
		return nil, err
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.last
	p.last = tok.AccessToken
	if tok.RefreshToken != "" {
		p.refresh = tok.RefreshToken
	}
	p.mu.Unlock()

	if changed {
		p.svc.persist(tok)
	}
	return tok, nil
}

// isTokenRevokedError checks if the error indicates a permanent token failure.
func isTokenRevokedError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client") {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "invalid_client") ||
		strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "Token has been expired or revoked") ||
		strings.Contains(errStr, "Token has been revoked")
}

var _ out.CredentialProvider = (*CredentialService)(nil)
