package database

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"
)

// hashToken returns the hex sha256 of a raw hex token, or an error if the
// token is malformed.
func hashToken(token string) (string, error) {
	tokenBytes, err := hex.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("invalid token format")
	}
	hash := sha256.Sum256(tokenBytes)
	return hex.EncodeToString(hash[:]), nil
}

// CreateSession mints a device session for a user. The returned Session
// carries the raw token; only its sha256 is stored.
func (d *Database) CreateSession(ctx context.Context, userID int64, deviceID, deviceName string) (*Session, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("create_session", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tokenBytes := make([]byte, 32)
	if _, err = rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	hash := sha256.Sum256(tokenBytes)
	tokenHash := hex.EncodeToString(hash[:])
	token := hex.EncodeToString(tokenBytes)

	expiresAt := time.Now().Add(SessionDuration)

	result, err := d.db.ExecContext(ctx,
		"INSERT INTO sessions (user_id, token, device_id, device_name, expires_at) VALUES (?, ?, ?, ?, ?)",
		userID, tokenHash, deviceID, deviceName, expiresAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	id, _ := result.LastInsertId()
	metrics.ActiveSessions.Inc()

	return &Session{
		ID:         id,
		UserID:     userID,
		Token:      token, // raw token goes to the client exactly once
		DeviceID:   deviceID,
		DeviceName: deviceName,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
	}, nil
}

// ValidateSession resolves a raw token to its user, sliding the expiry
// forward on success.
func (d *Database) ValidateSession(ctx context.Context, token string) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("validate_session", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tokenHash, err := hashToken(token)
	if err != nil {
		return nil, err
	}

	var userID, expiresAt int64
	err = d.db.QueryRowContext(ctx,
		"SELECT user_id, expires_at FROM sessions WHERE token = ?",
		tokenHash,
	).Scan(&userID, &expiresAt)
	if err != nil {
		err = fmt.Errorf("invalid session")
		return nil, err
	}

	if time.Now().Unix() > expiresAt {
		// Clean up in the background, don't block validation
		go func() {
			if delErr := d.deleteSessionByHash(tokenHash); delErr != nil {
				logging.Error("failed to delete expired session: %v", delErr)
			}
		}()
		err = fmt.Errorf("session expired")
		return nil, err
	}

	// Sliding expiry: each valid use pushes the window forward
	newExpiry := time.Now().Add(SessionDuration).Unix()
	if _, slideErr := d.db.ExecContext(ctx,
		"UPDATE sessions SET expires_at = ? WHERE token = ?", newExpiry, tokenHash); slideErr != nil {
		logging.Warn("failed to slide session expiry: %v", slideErr)
	}

	user, err := d.getUserBy(ctx, "id = ?", userID)
	if err != nil {
		err = fmt.Errorf("user not found")
		return nil, err
	}
	return user, nil
}

func (d *Database) deleteSessionByHash(tokenHash string) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", tokenHash)
	if err == nil {
		if rows, _ := result.RowsAffected(); rows > 0 {
			metrics.ActiveSessions.Sub(float64(rows))
		}
	}
	return err
}

// DeleteSession removes a session by its raw token (logout).
func (d *Database) DeleteSession(token string) error {
	tokenHash, err := hashToken(token)
	if err != nil {
		return err
	}
	return d.deleteSessionByHash(tokenHash)
}

// ListSessions returns a user's device sessions without token material.
func (d *Database) ListSessions(ctx context.Context, userID int64) ([]*Session, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_sessions", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, user_id, device_id, device_name, expires_at, created_at
		 FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		var expiresAt, createdAt int64
		if err = rows.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.DeviceName, &expiresAt, &createdAt); err != nil {
			return nil, err
		}
		s.ExpiresAt = scanTime(expiresAt)
		s.CreatedAt = scanTime(createdAt)
		sessions = append(sessions, &s)
	}
	err = rows.Err()
	return sessions, err
}

// RevokeSession deletes one of a user's sessions by id. The userID guard
// keeps users from revoking each other's devices.
func (d *Database) RevokeSession(ctx context.Context, userID, sessionID int64) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("revoke_session", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE id = ? AND user_id = ?", sessionID, userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		err = ErrNotFound
		return err
	}
	metrics.ActiveSessions.Dec()
	return nil
}

// CleanExpiredSessions removes expired sessions and stale pairing codes.
func (d *Database) CleanExpiredSessions(ctx context.Context) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("clean_expired_sessions", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := time.Now().Unix()
	if _, err = d.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", now); err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, "DELETE FROM pin_codes WHERE expires_at < ?", now)
	return err
}

// CreatePin mints a 6-digit pairing code for a user. The raw code is
// returned once; only a bcrypt hash is stored.
func (d *Database) CreatePin(ctx context.Context, userID int64, deviceName string) (string, *PinCode, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("create_pin", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate pin: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash pin: %w", err)
	}

	expiresAt := time.Now().Add(PinDuration)
	result, err := d.db.ExecContext(ctx,
		"INSERT INTO pin_codes (user_id, code_hash, device_name, expires_at) VALUES (?, ?, ?, ?)",
		userID, string(hash), deviceName, expiresAt.Unix(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create pin: %w", err)
	}

	id, _ := result.LastInsertId()
	return code, &PinCode{
		ID:         id,
		UserID:     userID,
		DeviceName: deviceName,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
	}, nil
}

// RedeemPin exchanges a pairing code for the owning user. A matched code is
// consumed; a wrong guess burns one attempt, and a code past MaxPinAttempts
// is deleted.
func (d *Database) RedeemPin(ctx context.Context, code string) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("redeem_pin", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		"SELECT id, user_id, code_hash, attempts, expires_at FROM pin_codes WHERE expires_at >= ?",
		time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		id       int64
		userID   int64
		codeHash string
		attempts int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var expiresAt int64
		if err = rows.Scan(&c.id, &c.userID, &c.codeHash, &c.attempts, &expiresAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(c.codeHash), []byte(code)) == nil {
			// Consume on success
			if _, delErr := d.db.ExecContext(ctx, "DELETE FROM pin_codes WHERE id = ?", c.id); delErr != nil {
				logging.Warn("failed to consume pin %d: %v", c.id, delErr)
			}
			user, getErr := d.getUserBy(ctx, "id = ?", c.userID)
			if getErr != nil {
				err = getErr
				return nil, err
			}
			return user, nil
		}
	}

	// Burn one attempt on every live code; codes out of attempts are deleted
	for _, c := range candidates {
		if c.attempts+1 >= MaxPinAttempts {
			if _, delErr := d.db.ExecContext(ctx, "DELETE FROM pin_codes WHERE id = ?", c.id); delErr != nil {
				logging.Warn("failed to burn pin %d: %v", c.id, delErr)
			}
		} else if _, upErr := d.db.ExecContext(ctx,
			"UPDATE pin_codes SET attempts = attempts + 1 WHERE id = ?", c.id); upErr != nil {
			logging.Warn("failed to count pin attempt %d: %v", c.id, upErr)
		}
	}

	err = fmt.Errorf("invalid pin")
	return nil, err
}
