package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"threadsync/internal/protocol"
)

// Tokens holds the short-lived, single-use keys of allocation: consumed
// nonces and issued image tokens
type Tokens struct {
	rdb redis.UniversalClient
}

func NewTokens(rdb redis.UniversalClient) *Tokens {
	return &Tokens{rdb: rdb}
}

// ClaimNonce marks an allocation nonce as used. Returns false, if it was
// already used within ttl.
func (t *Tokens) ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := t.rdb.SetNX(ctx, "nonce:"+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming nonce: %w", err)
	}
	return ok, nil
}

// IssueImage stores an uploaded image and returns a token redeemable once
// within ttl
func (t *Tokens) IssueImage(ctx context.Context, img protocol.Image, ttl time.Duration) (string, error) {
	buf, err := json.Marshal(img)
	if err != nil {
		return "", err
	}
	token := uuid.NewString()
	if err := t.rdb.Set(ctx, "image:"+token, buf, ttl).Err(); err != nil {
		return "", fmt.Errorf("issuing image token: %w", err)
	}
	return token, nil
}

// RedeemImage consumes an image token
func (t *Tokens) RedeemImage(ctx context.Context, token string) (img protocol.Image, err error) {
	buf, err := t.rdb.GetDel(ctx, "image:"+token).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return img, ErrInvalidToken
	case err != nil:
		return img, fmt.Errorf("redeeming image token: %w", err)
	}
	err = json.Unmarshal(buf, &img)
	return
}
