package escrow

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newActive(t *testing.T) Escrow {
	t.Helper()
	e, err := New(CreateParams{Buyer: "B", Seller: "S", Amount: 100, Asset: "USDC", Description: "lamp"}, 1, t0)
	if err != nil {
		t.Fatalf("new escrow: %v", err)
	}
	return e
}

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"zero amount", CreateParams{Buyer: "B", Seller: "S", Asset: "USDC"}, ErrInvalidAmount},
		{"long description", CreateParams{Buyer: "B", Seller: "S", Amount: 1, Asset: "USDC", Description: strings.Repeat("x", 201)}, ErrInvalidDescription},
		{"same party", CreateParams{Buyer: "B", Seller: "B", Amount: 1, Asset: "USDC"}, ErrInvalidParty},
		{"missing asset", CreateParams{Buyer: "B", Seller: "S", Amount: 1}, ErrInvalidAsset},
	}
	for _, tc := range cases {
		if _, err := New(tc.params, 1, t0); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	// 200 multi-byte characters fit the bound.
	if _, err := New(CreateParams{Buyer: "B", Seller: "S", Amount: 1, Asset: "USDC", Description: strings.Repeat("é", 200)}, 1, t0); err != nil {
		t.Fatalf("expected 200 characters to be accepted, got %v", err)
	}
}

func TestNew_ActiveWithDeterministicID(t *testing.T) {
	e := newActive(t)
	if e.Status != StatusActive || e.Amount == 0 {
		t.Fatalf("unexpected escrow %+v", e)
	}
	again, _ := New(CreateParams{Buyer: "B", Seller: "X", Amount: 5, Asset: "USDC"}, 1, t0)
	if again.ID != e.ID {
		t.Fatalf("expected id to depend only on buyer and sequence")
	}
	next, _ := New(CreateParams{Buyer: "B", Seller: "S", Amount: 5, Asset: "USDC"}, 2, t0)
	if next.ID == e.ID {
		t.Fatalf("expected distinct ids for distinct sequences")
	}
}

func TestRelease(t *testing.T) {
	e := newActive(t)

	if _, err := e.Release("S", t0); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}

	done, err := e.Release("B", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("expected completed escrow, got %+v", done)
	}
	if _, err := done.Release("B", t0); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive on second release, got %v", err)
	}

	disputed, _ := e.MarkDisputed()
	if _, err := disputed.Release("B", t0); !errors.Is(err, ErrEscrowDisputed) {
		t.Fatalf("expected ErrEscrowDisputed, got %v", err)
	}
}

func TestExpire(t *testing.T) {
	e := newActive(t)
	if _, err := e.Expire(t0); !errors.Is(err, ErrAutoReleaseNotDue) {
		t.Fatalf("expected ErrAutoReleaseNotDue without deadline, got %v", err)
	}

	at := t0.Add(24 * time.Hour)
	e.AutoReleaseAt = &at
	if _, err := e.Expire(t0); !errors.Is(err, ErrAutoReleaseNotDue) {
		t.Fatalf("expected ErrAutoReleaseNotDue before deadline, got %v", err)
	}
	done, err := e.Expire(at)
	if err != nil {
		t.Fatalf("expire at deadline: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if _, err := done.Expire(at); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestApproveCancel_NeedsBothParties(t *testing.T) {
	e := newActive(t)

	if _, _, err := e.ApproveCancel("mallory", t0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	half, done, err := e.ApproveCancel("S", t0)
	if err != nil || done {
		t.Fatalf("seller approval: done=%v err=%v", done, err)
	}
	again, done, err := half.ApproveCancel("S", t0)
	if err != nil || done {
		t.Fatalf("repeat seller approval should not complete: done=%v err=%v", done, err)
	}
	final, done, err := again.ApproveCancel("B", t0)
	if err != nil || !done {
		t.Fatalf("buyer approval: done=%v err=%v", done, err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestMarkDisputed_AlreadyDisputedInEveryStatus(t *testing.T) {
	for _, st := range []Status{StatusActive, StatusCompleted, StatusRefunded, StatusCancelled} {
		e := newActive(t)
		e.IsDisputed = true
		e.Status = st
		if _, err := e.MarkDisputed(); !errors.Is(err, ErrAlreadyDisputed) {
			t.Errorf("status %s: expected ErrAlreadyDisputed, got %v", st, err)
		}
	}
}
