package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoreply_worker/core/port/out"
	"autoreply_worker/pkg/crypto"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const tokenKey = "autoreply:oauth:owner"

type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// RedisTokenStore keeps the owner's OAuth token as a JSON value with no expiry.
type RedisTokenStore struct {
	client redis.UniversalClient
	enc    *crypto.Encryptor
}

// NewRedisTokenStore creates a token store. A nil encryptor stores tokens as-is.
func NewRedisTokenStore(client redis.UniversalClient, enc *crypto.Encryptor) *RedisTokenStore {
	return &RedisTokenStore{client: client, enc: enc}
}

func (s *RedisTokenStore) Load(ctx context.Context) (*oauth2.Token, error) {
	data, err := s.client.Get(ctx, tokenKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, out.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	if st.AccessToken, err = s.open(st.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if st.RefreshToken, err = s.open(st.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
		Expiry:       st.Expiry,
	}, nil
}

// Save overwrites the stored token. An empty refresh token keeps the stored one.
func (s *RedisTokenStore) Save(ctx context.Context, token *oauth2.Token) error {
	refresh := token.RefreshToken
	if refresh == "" {
		if prev, err := s.Load(ctx); err == nil {
			refresh = prev.RefreshToken
		}
	}

	st := storedToken{TokenType: token.TokenType, Expiry: token.Expiry}
	var err error
	if st.AccessToken, err = s.seal(token.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if st.RefreshToken, err = s.seal(refresh); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := s.client.Set(ctx, tokenKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) seal(v string) (string, error) {
	if s.enc == nil || v == "" {
		return v, nil
	}
	return s.enc.Encrypt(v)
}

func (s *RedisTokenStore) open(v string) (string, error) {
	if s.enc == nil || !crypto.IsEncrypted(v) {
		return v, nil
	}
	return s.enc.Decrypt(v)
}

var _ out.TokenStore = (*RedisTokenStore)(nil)
