package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"threadsync/internal/protocol"
)

func TestClaimNonce(t *testing.T) {
	mr, rdb := newRedis(t)
	tokens := NewTokens(rdb)
	ctx := context.Background()

	ok, err := tokens.ClaimNonce(ctx, "a.1.x", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim failed: %v", err)
	}
	if ok, _ := tokens.ClaimNonce(ctx, "a.1.x", time.Minute); ok {
		t.Error("nonce claimed twice")
	}
	if ok, _ := tokens.ClaimNonce(ctx, "b.1.x", time.Minute); !ok {
		t.Error("nonce of another tab rejected")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := tokens.ClaimNonce(ctx, "a.1.x", time.Minute); !ok {
		t.Error("expired nonce still claimed")
	}
}

func TestImageTokens(t *testing.T) {
	_, rdb := newRedis(t)
	tokens := NewTokens(rdb)
	ctx := context.Background()

	img := protocol.Image{File: "abc.png", Name: "cat.png", SHA1: "abc", Size: 10, Dims: [4]uint16{1, 2, 3, 4}}
	token, err := tokens.IssueImage(ctx, img, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tokens.RedeemImage(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if got != img {
		t.Errorf("expected %#v, got %#v", img, got)
	}
	if _, err := tokens.RedeemImage(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token redeemed twice: %v", err)
	}
}
