package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"mediakeep/internal/database"
)

func newTestService(t *testing.T) (*Service, *database.Database) {
	t.Helper()
	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db), db
}

// armedToken arms a claim directly against the store so the test knows the
// raw token; StartClaim only prints it to the log.
func armedToken(t *testing.T, db *database.Database) string {
	t.Helper()
	token := "test-claim-token"
	if _, err := db.CreateClaim(context.Background(), hashClaimToken(token)); err != nil {
		t.Fatal(err)
	}
	return token
}

func TestSetupFlow(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	if got := svc.State(ctx); got != SetupNeeded {
		t.Fatalf("state = %s, want needed", got)
	}

	token := armedToken(t, db)
	if got := svc.State(ctx); got != SetupArmed {
		t.Fatalf("state = %s, want armed", got)
	}

	if err := svc.ValidateClaim(ctx, "wrong-token"); !errors.Is(err, database.ErrClaimInvalid) {
		t.Errorf("wrong token: expected ErrClaimInvalid, got %v", err)
	}
	if err := svc.ValidateClaim(ctx, token); err != nil {
		t.Fatalf("ValidateClaim: %v", err)
	}

	user, session, err := svc.ConfirmClaim(ctx, token, "admin", "hunter22", "living room")
	if err != nil {
		t.Fatalf("ConfirmClaim: %v", err)
	}
	if user.Role != database.RoleAdmin {
		t.Errorf("role = %s, want admin", user.Role)
	}
	if session.Token == "" {
		t.Error("no session token issued")
	}
	if got := svc.State(ctx); got != SetupDone {
		t.Errorf("state = %s, want done", got)
	}

	// The session works immediately
	if _, err := svc.Authenticate(ctx, session.Token); err != nil {
		t.Errorf("Authenticate: %v", err)
	}

	// Re-arming after setup is refused
	if err := svc.StartClaim(ctx); !errors.Is(err, database.ErrClaimInvalid) {
		t.Errorf("re-arm: expected ErrClaimInvalid, got %v", err)
	}
}

func TestLoginAndLogout(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	if _, err := db.CreateUser(ctx, "alice", "correct horse", database.RoleMember); err != nil {
		t.Fatal(err)
	}

	if _, _, err := svc.Login(ctx, "alice", "wrong", "tv"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("bad password: expected ErrBadCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "correct horse", "tv"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("unknown user: expected ErrBadCredentials, got %v", err)
	}

	user, session, err := svc.Login(ctx, "alice", "correct horse", "tv")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("user = %s", user.Username)
	}
	if session.DeviceID == "" || session.DeviceName != "tv" {
		t.Errorf("session = %+v", session)
	}

	got, err := svc.Authenticate(ctx, session.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("authenticated as user %d, want %d", got.ID, user.ID)
	}

	if err := svc.Logout(session.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Authenticate(ctx, session.Token); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("token survived logout: %v", err)
	}
}

func TestPinPairing(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	user, err := db.CreateUser(ctx, "alice", "correct horse", database.RoleMember)
	if err != nil {
		t.Fatal(err)
	}

	code, pin, err := svc.CreatePin(ctx, user.ID, "bedroom tv")
	if err != nil {
		t.Fatalf("CreatePin: %v", err)
	}
	if len(code) != 6 {
		t.Errorf("code = %q, want 6 digits", code)
	}
	if pin.DeviceName != "bedroom tv" {
		t.Errorf("pin = %+v", pin)
	}

	if _, _, err := svc.RedeemPin(ctx, "000000", "bedroom tv"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("wrong code: expected ErrBadCredentials, got %v", err)
	}

	paired, session, err := svc.RedeemPin(ctx, code, "bedroom tv")
	if err != nil {
		t.Fatalf("RedeemPin: %v", err)
	}
	if paired.ID != user.ID {
		t.Errorf("paired as user %d, want %d", paired.ID, user.ID)
	}
	if _, err := svc.Authenticate(ctx, session.Token); err != nil {
		t.Errorf("paired session rejected: %v", err)
	}

	// Codes are single-use
	if _, _, err := svc.RedeemPin(ctx, code, "another tv"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("code reuse: expected ErrBadCredentials, got %v", err)
	}
}
