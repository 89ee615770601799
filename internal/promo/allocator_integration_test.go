//go:build integration

package promo_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sungwon/crm-dispatch/internal/promo"
)

func TestAllocate_IssueThenReuse(t *testing.T) {
	ctx := context.Background()
	promoID := createPromotion(t, "active")
	a := promo.NewAllocator(sharedPool, zerolog.Nop())

	gen := promo.GenConfig{Length: 8, Prefix: "VIP-"}

	first, err := a.Allocate(ctx, promoID, "alice", gen, 100)
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if !first.IsNew {
		t.Error("first allocation not marked new")
	}
	if !strings.HasPrefix(first.Code, "VIP-") || len(first.Code) != len("VIP-")+8 {
		t.Errorf("code = %q, want VIP- plus 8 symbols", first.Code)
	}

	second, err := a.Allocate(ctx, promoID, "alice", gen, 100)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if second.IsNew {
		t.Error("reuse marked new")
	}
	if second.Code != first.Code {
		t.Errorf("reuse returned %q, want %q", second.Code, first.Code)
	}

	var count int
	if err := sharedPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM promotion_code WHERE promotion_id = $1 AND assigned_to = 'alice'`,
		promoID).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("persisted rows = %d, want 1", count)
	}
}

func TestAllocate_ConcurrentSamePair(t *testing.T) {
	ctx := context.Background()
	promoID := createPromotion(t, "active")
	a := promo.NewAllocator(sharedPool, zerolog.Nop())

	const callers = 8
	var wg sync.WaitGroup
	codes := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.Allocate(ctx, promoID, "bob", promo.GenConfig{Length: 8}, 1000)
			if err != nil {
				errs[i] = err
				return
			}
			codes[i] = res.Code
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if codes[i] != codes[0] {
			t.Errorf("caller %d got %q, caller 0 got %q", i, codes[i], codes[0])
		}
	}

	var count int
	if err := sharedPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM promotion_code WHERE promotion_id = $1 AND assigned_to = 'bob'`,
		promoID).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("persisted rows = %d, want exactly 1", count)
	}
}

func TestAllocate_ExhaustedCodeSpace(t *testing.T) {
	ctx := context.Background()
	promoID := createPromotion(t, "active")
	a := promo.NewAllocator(sharedPool, zerolog.Nop())

	// Occupy the entire length-4 space so every generated candidate
	// collides with a row belonging to another pair. 32^4 rows.
	_, err := sharedPool.Exec(ctx,
		`WITH syms AS (
		    SELECT regexp_split_to_table($2::text, '') AS c
		 )
		 INSERT INTO promotion_code (code, promotion_id, assigned_to)
		 SELECT s1.c || s2.c || s3.c || s4.c,
		        $1,
		        'seed-' || row_number() OVER ()
		   FROM syms s1, syms s2, syms s3, syms s4`,
		promoID, promo.Alphabet)
	if err != nil {
		t.Fatalf("seed code space: %v", err)
	}

	_, err = a.Allocate(ctx, promoID, "carol", promo.GenConfig{Length: 4}, 2)
	if err == nil {
		t.Fatal("expected exhaustion failure")
	}
	var ae *promo.AllocError
	if !errors.As(err, &ae) {
		t.Fatalf("error type %T, want AllocError", err)
	}
	if ae.Reason != promo.ReasonCreateFailed {
		t.Errorf("reason = %q, want %q", ae.Reason, promo.ReasonCreateFailed)
	}

	// The failed run must not leave a partial row for the pair.
	var count int
	if err := sharedPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM promotion_code WHERE promotion_id = $1 AND assigned_to = 'carol'`,
		promoID).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("rows for carol = %d, want 0", count)
	}
}

func TestAllocate_RedemptionPrecedence(t *testing.T) {
	ctx := context.Background()
	promoID := createPromotion(t, "active")
	a := promo.NewAllocator(sharedPool, zerolog.Nop())

	res, err := a.Allocate(ctx, promoID, "dana", promo.GenConfig{Length: 8}, 100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if _, err := sharedPool.Exec(ctx,
		`INSERT INTO promotion_usage (promotion_id, username) VALUES ($1, 'dana')`, promoID); err != nil {
		t.Fatalf("record redemption: %v", err)
	}

	_, err = a.Allocate(ctx, promoID, "dana", promo.GenConfig{Length: 8}, 100)
	if promo.FailureReason(err) != promo.ReasonRedeemed {
		t.Fatalf("err = %v, want redeemed failure", err)
	}

	// The original code is never replaced.
	var code string
	if err := sharedPool.QueryRow(ctx,
		`SELECT code FROM promotion_code WHERE promotion_id = $1 AND assigned_to = 'dana'`,
		promoID).Scan(&code); err != nil {
		t.Fatalf("read code: %v", err)
	}
	if code != res.Code {
		t.Errorf("code changed from %q to %q", res.Code, code)
	}
}

func TestAllocate_InactivePromotion(t *testing.T) {
	ctx := context.Background()
	a := promo.NewAllocator(sharedPool, zerolog.Nop())

	t.Run("unknown promotion", func(t *testing.T) {
		_, err := a.Allocate(ctx, 999999, "erin", promo.GenConfig{}, 10)
		if promo.FailureReason(err) != promo.ReasonInactive {
			t.Errorf("err = %v, want promo_inactive", err)
		}
	})

	t.Run("paused promotion", func(t *testing.T) {
		promoID := createPromotion(t, "paused")
		_, err := a.Allocate(ctx, promoID, "erin", promo.GenConfig{}, 10)
		if promo.FailureReason(err) != promo.ReasonInactive {
			t.Errorf("err = %v, want promo_inactive", err)
		}
	})
}

func TestAllocate_LengthRaisedForLargeAudience(t *testing.T) {
	ctx := context.Background()
	promoID := createPromotion(t, "active")
	a := promo.NewAllocator(sharedPool, zerolog.Nop())

	// A 5-symbol request cannot meet the collision target for a million
	// users; the allocator must size up silently.
	res, err := a.Allocate(ctx, promoID, "frank", promo.GenConfig{Length: 5}, 1000000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	want := promo.EffectiveLength(5, 1000000)
	if len(res.Code) != want {
		t.Errorf("code length = %d, want %d", len(res.Code), want)
	}
}

func TestSyncRedemptions(t *testing.T) {
	ctx := context.Background()
	promoID := createPromotion(t, "active")
	a := promo.NewAllocator(sharedPool, zerolog.Nop())

	res, err := a.Allocate(ctx, promoID, "gina", promo.GenConfig{Length: 8}, 100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := sharedPool.Exec(ctx,
		`UPDATE promotion_code SET used_at = NOW() WHERE code = $1`, res.Code); err != nil {
		t.Fatalf("stamp redemption: %v", err)
	}

	synced, err := promo.SyncRedemptions(ctx, sharedPool)
	if err != nil {
		t.Fatalf("SyncRedemptions: %v", err)
	}
	if synced < 1 {
		t.Errorf("synced = %d, want at least 1", synced)
	}

	var one int
	if err := sharedPool.QueryRow(ctx,
		`SELECT 1 FROM promotion_usage WHERE promotion_id = $1 AND username = 'gina'`,
		promoID).Scan(&one); err != nil {
		t.Fatalf("usage row missing: %v", err)
	}

	// Idempotent on re-run.
	again, err := promo.SyncRedemptions(ctx, sharedPool)
	if err != nil {
		t.Fatalf("second SyncRedemptions: %v", err)
	}
	if again != 0 {
		t.Errorf("second sync copied %d rows, want 0", again)
	}
}
