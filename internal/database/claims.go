package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CreateClaim arms the first-run setup claim. The claim is global and
// single-use: arming is refused while any admin account exists, and arming
// again replaces any earlier unconsumed claim.
func (d *Database) CreateClaim(ctx context.Context, tokenHash string) (*SetupClaim, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("create_claim", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if d.HasAdmin(ctx) {
		err = fmt.Errorf("an admin already exists: %w", ErrClaimInvalid)
		return nil, err
	}

	// A new claim supersedes any earlier unconsumed one
	if _, err = d.db.ExecContext(ctx,
		"DELETE FROM setup_claims WHERE state != 'consumed'"); err != nil {
		return nil, fmt.Errorf("failed to clear stale claims: %w", err)
	}

	result, err := d.db.ExecContext(ctx,
		"INSERT INTO setup_claims (token_hash, state) VALUES (?, 'started')",
		tokenHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim: %w", err)
	}

	id, _ := result.LastInsertId()
	return &SetupClaim{
		ID:        id,
		TokenHash: tokenHash,
		State:     StartedClaim,
		CreatedAt: time.Now(),
	}, nil
}

// GetClaim fetches a claim by token hash.
func (d *Database) GetClaim(ctx context.Context, tokenHash string) (*SetupClaim, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_claim", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var c SetupClaim
	var state string
	var createdAt, validatedAt, confirmedAt, consumedAt int64
	err = d.db.QueryRowContext(ctx,
		`SELECT id, token_hash, state, created_at, validated_at, confirmed_at, consumed_at
		 FROM setup_claims WHERE token_hash = ?`, tokenHash,
	).Scan(&c.ID, &c.TokenHash, &state, &createdAt, &validatedAt, &confirmedAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrClaimInvalid
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.State = ClaimState(state)
	c.CreatedAt = scanTime(createdAt)
	c.ValidatedAt = scanTime(validatedAt)
	c.ConfirmedAt = scanTime(confirmedAt)
	c.ConsumedAt = scanTime(consumedAt)
	return &c, nil
}

// GetLatestClaim fetches the most recently armed claim, consumed or not.
func (d *Database) GetLatestClaim(ctx context.Context) (*SetupClaim, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_latest_claim", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var c SetupClaim
	var state string
	var createdAt, validatedAt, confirmedAt, consumedAt int64
	err = d.db.QueryRowContext(ctx,
		`SELECT id, token_hash, state, created_at, validated_at, confirmed_at, consumed_at
		 FROM setup_claims ORDER BY created_at DESC, id DESC LIMIT 1`,
	).Scan(&c.ID, &c.TokenHash, &state, &createdAt, &validatedAt, &confirmedAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.State = ClaimState(state)
	c.CreatedAt = scanTime(createdAt)
	c.ValidatedAt = scanTime(validatedAt)
	c.ConfirmedAt = scanTime(confirmedAt)
	c.ConsumedAt = scanTime(consumedAt)
	return &c, nil
}

// ValidateClaim advances a started claim to validated. Unknown, expired, or
// already-advanced tokens return ErrClaimInvalid.
func (d *Database) ValidateClaim(ctx context.Context, tokenHash string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("validate_claim", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	notBefore := time.Now().Add(-ClaimDuration).Unix()
	result, err := d.db.ExecContext(ctx,
		`UPDATE setup_claims
		 SET state = 'validated', validated_at = strftime('%s', 'now')
		 WHERE token_hash = ? AND state = 'started' AND created_at >= ?`,
		tokenHash, notBefore)
	if err != nil {
		return fmt.Errorf("failed to validate claim: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		err = ErrClaimInvalid
		return err
	}
	return nil
}

// ConsumeClaim confirms a validated claim with the first admin's credentials.
// Claim confirmation, admin creation, and claim consumption happen in one
// transaction: either all land or none do.
func (d *Database) ConsumeClaim(ctx context.Context, tokenHash, username, password string) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("consume_claim", start, err) }()

	// bcrypt before opening the transaction; no reason to hold it during hashing
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	notBefore := time.Now().Add(-ClaimDuration).Unix()
	result, err := tx.ExecContext(ctx,
		`UPDATE setup_claims
		 SET state = 'confirmed', confirmed_at = strftime('%s', 'now')
		 WHERE token_hash = ? AND state = 'validated' AND created_at >= ?`,
		tokenHash, notBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm claim: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		err = ErrClaimInvalid
		return nil, err
	}

	userResult, err := tx.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, role) VALUES (?, ?, 'admin')",
		username, string(hash))
	if err != nil {
		err = fmt.Errorf("failed to create admin: %w", err)
		return nil, err
	}
	userID, _ := userResult.LastInsertId()

	if _, err = tx.ExecContext(ctx,
		`UPDATE setup_claims SET state = 'consumed', consumed_at = strftime('%s', 'now')
		 WHERE token_hash = ?`, tokenHash); err != nil {
		err = fmt.Errorf("failed to consume claim: %w", err)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	now := time.Now()
	return &User{
		ID:        userID,
		Username:  username,
		Role:      RoleAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
