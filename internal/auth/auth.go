// Package auth wraps the session store with the flows handlers speak:
// first-boot setup claims, password login, and device PIN pairing.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mediakeep/internal/database"
	"mediakeep/internal/logging"
)

// ErrBadCredentials covers every authentication failure so handlers never
// leak whether the username, password, or PIN was the wrong part.
var ErrBadCredentials = errors.New("auth: invalid credentials")

// SetupState reports where first-boot setup stands.
type SetupState string

const (
	// SetupNeeded means no admin exists yet and no claim is armed.
	SetupNeeded SetupState = "needed"
	// SetupArmed means a claim token has been issued and logged.
	SetupArmed SetupState = "armed"
	// SetupDone means an admin account exists.
	SetupDone SetupState = "done"
)

// Service mediates between HTTP handlers and the credential store.
type Service struct {
	db *database.Database
}

func NewService(db *database.Database) *Service {
	return &Service{db: db}
}

// hashClaimToken hex-encodes the sha256 of a raw claim token; only the hash
// ever touches the database.
func hashClaimToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// State reports the current setup state for the unauthenticated
// setup-state endpoint.
func (s *Service) State(ctx context.Context) SetupState {
	if s.db.HasAdmin(ctx) {
		return SetupDone
	}
	claim, err := s.db.GetLatestClaim(ctx)
	if err == nil && claim.State != database.ConsumedClaim {
		return SetupArmed
	}
	return SetupNeeded
}

// StartClaim arms the first-boot setup claim and prints the token to the
// server log. The token never travels over the API; an operator reads it
// from the console and pastes it into the client, proving they control the
// host.
func (s *Service) StartClaim(ctx context.Context) error {
	token := uuid.NewString()
	if _, err := s.db.CreateClaim(ctx, hashClaimToken(token)); err != nil {
		return err
	}
	logging.Info("========================================================")
	logging.Info("SETUP CLAIM TOKEN: %s", token)
	logging.Info("Enter this token in the client within %v to continue.", database.ClaimDuration)
	logging.Info("========================================================")
	return nil
}

// ValidateClaim advances an armed claim. Unknown, expired, or reused tokens
// fail with database.ErrClaimInvalid.
func (s *Service) ValidateClaim(ctx context.Context, token string) error {
	return s.db.ValidateClaim(ctx, hashClaimToken(token))
}

// ConfirmClaim consumes a validated claim, creating the first admin and
// logging them in on the claiming device.
func (s *Service) ConfirmClaim(ctx context.Context, token, username, password, deviceName string) (*database.User, *database.Session, error) {
	user, err := s.db.ConsumeClaim(ctx, hashClaimToken(token), username, password)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.newSession(ctx, user.ID, deviceName)
	if err != nil {
		return nil, nil, err
	}
	logging.Info("auth: setup complete, admin %q created", username)
	return user, session, nil
}

// Login exchanges a password for a device session.
func (s *Service) Login(ctx context.Context, username, password, deviceName string) (*database.User, *database.Session, error) {
	user, err := s.db.ValidatePassword(ctx, username, password)
	if err != nil {
		return nil, nil, ErrBadCredentials
	}
	session, err := s.newSession(ctx, user.ID, deviceName)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// CreatePin mints a pairing code for the calling user. The raw code is
// shown once, on the already-authenticated device.
func (s *Service) CreatePin(ctx context.Context, userID int64, deviceName string) (string, *database.PinCode, error) {
	return s.db.CreatePin(ctx, userID, deviceName)
}

// RedeemPin exchanges a pairing code for a session on a new device.
func (s *Service) RedeemPin(ctx context.Context, code, deviceName string) (*database.User, *database.Session, error) {
	user, err := s.db.RedeemPin(ctx, code)
	if err != nil {
		return nil, nil, ErrBadCredentials
	}
	session, err := s.newSession(ctx, user.ID, deviceName)
	if err != nil {
		return nil, nil, err
	}
	logging.Info("auth: device %q paired for user %d", deviceName, user.ID)
	return user, session, nil
}

// Authenticate resolves a session token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (*database.User, error) {
	user, err := s.db.ValidateSession(ctx, token)
	if err != nil {
		return nil, ErrBadCredentials
	}
	return user, nil
}

// Logout drops the session behind a raw token.
func (s *Service) Logout(token string) error {
	return s.db.DeleteSession(token)
}

func (s *Service) newSession(ctx context.Context, userID int64, deviceName string) (*database.Session, error) {
	if deviceName == "" {
		deviceName = "unnamed device"
	}
	session, err := s.db.CreateSession(ctx, userID, uuid.NewString(), deviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// CleanupLoop deletes expired sessions, pairing codes, and stale sync
// sessions until ctx is cancelled.
func (s *Service) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.CleanExpiredSessions(ctx); err != nil {
				logging.Warn("auth: session cleanup failed: %v", err)
			}
			if pruned, err := s.db.PruneSyncSessions(ctx, 24*time.Hour); err != nil {
				logging.Warn("auth: sync session cleanup failed: %v", err)
			} else if pruned > 0 {
				logging.Debug("auth: pruned %d stale sync sessions", pruned)
			}
		}
	}
}
