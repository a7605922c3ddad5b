// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autoreply_worker/core/port/out"
	"autoreply_worker/pkg/crypto"

	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"
)

// ownerTokenID keys the single owner's row.
const ownerTokenID = "owner"

// OAuthAdapter implements out.TokenStore in SQL. Tokens are sealed when an
// encryptor is configured.
type OAuthAdapter struct {
	db  *sqlx.DB
	enc *crypto.Encryptor
	now func() time.Time
}

// NewOAuthAdapter creates a new OAuthAdapter. A nil encryptor stores tokens as-is.
func NewOAuthAdapter(db *sqlx.DB, enc *crypto.Encryptor) *OAuthAdapter {
	return &OAuthAdapter{db: db, enc: enc, now: time.Now}
}

type oauthTokenEntity struct {
	ID           string       `db:"id"`
	AccessToken  string       `db:"access_token"`
	RefreshToken string       `db:"refresh_token"`
	TokenType    string       `db:"token_type"`
	Expiry       sql.NullTime `db:"expiry"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// encryptToken encrypts a token if encryption is enabled
func (a *OAuthAdapter) encryptToken(token string) (string, error) {
	if a.enc == nil || token == "" {
		return token, nil
	}
	return a.enc.Encrypt(token)
}

// decryptToken decrypts a token if it appears to be encrypted
func (a *OAuthAdapter) decryptToken(token string) (string, error) {
	if a.enc == nil || !crypto.IsEncrypted(token) {
		return token, nil
	}
	return a.enc.Decrypt(token)
}

// Load returns the owner's token or out.ErrTokenNotFound.
func (a *OAuthAdapter) Load(ctx context.Context) (*oauth2.Token, error) {
	var e oauthTokenEntity
	err := a.db.GetContext(ctx, &e, a.db.Rebind(`
		SELECT id, access_token, refresh_token, token_type, expiry, updated_at
		FROM oauth_token WHERE id = ?`), ownerTokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, out.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	access, err := a.decryptToken(e.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := a.decryptToken(e.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    e.TokenType,
	}
	if e.Expiry.Valid {
		tok.Expiry = e.Expiry.Time
	}
	return tok, nil
}

// Save upserts the owner's token. An empty refresh token keeps the stored one.
func (a *OAuthAdapter) Save(ctx context.Context, token *oauth2.Token) error {
	access, err := a.encryptToken(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := a.encryptToken(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	expiry := sql.NullTime{}
	if !token.Expiry.IsZero() {
		expiry = sql.NullTime{Time: token.Expiry.UTC(), Valid: true}
	}

	_, err = a.db.ExecContext(ctx, a.db.Rebind(`
		INSERT INTO oauth_token (id, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN oauth_token.refresh_token ELSE excluded.refresh_token END,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at`),
		ownerTokenID, access, refresh, token.TokenType, expiry, a.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

var _ out.TokenStore = (*OAuthAdapter)(nil)
