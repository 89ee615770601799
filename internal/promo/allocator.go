package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// maxGenerateAttempts bounds code regeneration when random codes collide
// with existing rows.
const maxGenerateAttempts = 12

// Allocation failure reasons.
const (
	// ReasonInactive: the promotion is missing, not bulk-assignable, not
	// active, or outside its validity window.
	ReasonInactive = "promo_inactive"
	// ReasonRedeemed: the user already consumed a code for this promotion;
	// no new code is ever issued.
	ReasonRedeemed = "redeemed"
	// ReasonCreateFailed: generation attempts exhausted or the insert
	// failed unexpectedly. Safe to retry on the next scheduled run.
	ReasonCreateFailed = "create_failed"
)

// AllocError is a typed allocation failure.
type AllocError struct {
	Reason string
	Err    error
}

func (e *AllocError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("promo allocation %s: %v", e.Reason, e.Err)
	}
	return "promo allocation " + e.Reason
}

func (e *AllocError) Unwrap() error { return e.Err }

// FailureReason extracts the allocation failure reason from an error, or
// returns an empty string for non-allocation errors.
func FailureReason(err error) string {
	var ae *AllocError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// GenConfig carries a campaign's code-generation settings.
type GenConfig struct {
	Length     int
	Prefix     string
	ValidFrom  *time.Time
	ValidUntil *time.Time
	Note       string
}

// Result is a successful allocation.
type Result struct {
	Code  string
	IsNew bool
}

// Allocator issues at most one unique promotion code per (promotion, user)
// pair. Each allocation runs in its own transaction so one failure never
// aborts a whole planner batch.
type Allocator struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewAllocator creates an Allocator over the given pool.
func NewAllocator(pool *pgxpool.Pool, log zerolog.Logger) *Allocator {
	return &Allocator{pool: pool, log: log}
}

// Allocate returns the user's code for the promotion, issuing a new one
// when none exists. audienceSize drives the minimum code length (see
// AutoLength). Failures are *AllocError with a distinct reason.
//
// Two race classes are tolerated: two allocators contending for the same
// (promotion, user) pair resolve through the row lock plus adopt-on-
// conflict, and a random code colliding with an unrelated pair resolves
// through bounded regeneration.
func (a *Allocator) Allocate(ctx context.Context, promotionID int64, username string, gen GenConfig, audienceSize int) (*Result, error) {
	if promotionID <= 0 {
		return nil, &AllocError{Reason: ReasonInactive}
	}

	active, err := a.promotionActive(ctx, promotionID)
	if err != nil {
		return nil, &AllocError{Reason: ReasonCreateFailed, Err: err}
	}
	if !active {
		return nil, &AllocError{Reason: ReasonInactive}
	}

	length := EffectiveLength(gen.Length, audienceSize)
	if gen.Length > 0 && length > gen.Length {
		a.log.Info().
			Int64("promotion_id", promotionID).
			Str("user", username).
			Int("requested", gen.Length).
			Int("effective", length).
			Int("audience", audienceSize).
			Msg("promotion code length raised to meet collision target")
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	// Lock any existing assignment for the pair for the duration.
	var existing string
	err = tx.QueryRow(ctx,
		`SELECT code FROM promotion_code
		  WHERE promotion_id = $1 AND assigned_to = $2
		  ORDER BY id DESC
		  LIMIT 1
		  FOR UPDATE`, promotionID, username).Scan(&existing)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("lock assignment: %w", err)}
	}

	if existing != "" {
		redeemed, err := a.redeemed(ctx, tx, promotionID, username)
		if err != nil {
			return nil, &AllocError{Reason: ReasonCreateFailed, Err: err}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("commit: %w", err)}
		}
		if redeemed {
			return nil, &AllocError{Reason: ReasonRedeemed}
		}
		return &Result{Code: existing, IsNew: false}, nil
	}

	code, adopted, err := a.insertNew(ctx, tx, promotionID, username, gen, length)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("commit: %w", err)}
	}
	return &Result{Code: code, IsNew: !adopted}, nil
}

// insertNew attempts to insert a freshly generated code, retrying on
// uniqueness violations. A violation caused by a concurrent allocator
// winning the same pair is resolved by adopting that row's code; a code
// collision against an unrelated pair retries with a new code. Each
// attempt runs under a savepoint so a failed insert does not poison the
// enclosing transaction.
func (a *Allocator) insertNew(ctx context.Context, tx pgx.Tx, promotionID int64, username string, gen GenConfig, length int) (code string, adopted bool, err error) {
	for tries := 0; tries < maxGenerateAttempts; tries++ {
		candidate := GenerateCode(length, gen.Prefix)

		sp, err := tx.Begin(ctx)
		if err != nil {
			return "", false, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("savepoint: %w", err)}
		}
		_, err = sp.Exec(ctx,
			`INSERT INTO promotion_code (code, promotion_id, assigned_to, valid_from, valid_until, note)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
			candidate, promotionID, username, gen.ValidFrom, gen.ValidUntil, gen.Note)
		if err == nil {
			if err := sp.Commit(ctx); err != nil {
				return "", false, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("release savepoint: %w", err)}
			}
			return candidate, false, nil
		}

		_ = sp.Rollback(ctx)
		if !isUniqueViolation(err) {
			return "", false, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("insert code: %w", err)}
		}

		// A concurrent allocator may have created the pair's row between
		// our lock probe and this insert; adopt its code if so.
		var theirs string
		err = tx.QueryRow(ctx,
			`SELECT code FROM promotion_code
			  WHERE promotion_id = $1 AND assigned_to = $2
			  LIMIT 1`, promotionID, username).Scan(&theirs)
		if err == nil {
			return theirs, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("recheck assignment: %w", err)}
		}
		// Random collision with an unrelated pair; generate again.
	}
	return "", false, &AllocError{Reason: ReasonCreateFailed, Err: fmt.Errorf("exhausted %d generation attempts", maxGenerateAttempts)}
}

func (a *Allocator) promotionActive(ctx context.Context, promotionID int64) (bool, error) {
	var one int
	err := a.pool.QueryRow(ctx,
		`SELECT 1 FROM promotion
		  WHERE id = $1
		    AND kind = 'bulk_user'
		    AND status = 'active'
		    AND starts_at <= NOW()
		    AND ends_at >= NOW()`, promotionID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check promotion %d: %w", promotionID, err)
	}
	return true, nil
}

func (a *Allocator) redeemed(ctx context.Context, tx pgx.Tx, promotionID int64, username string) (bool, error) {
	var one int
	err := tx.QueryRow(ctx,
		`SELECT 1 FROM promotion_usage WHERE promotion_id = $1 AND username = $2 LIMIT 1`,
		promotionID, username).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check redemption: %w", err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
