package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	d, err := New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestLibrary(t *testing.T, d *Database) *Library {
	t.Helper()
	lib := &Library{Name: "Movies", Path: "/media/movies", Kind: LibraryMovies}
	if err := d.CreateLibrary(context.Background(), lib); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	return lib
}

func TestLibraryCRUD(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	lib := newTestLibrary(t, d)

	got, err := d.GetLibrary(ctx, lib.ID)
	if err != nil {
		t.Fatalf("GetLibrary: %v", err)
	}
	if got.Name != "Movies" || got.Kind != LibraryMovies {
		t.Errorf("got %+v", got)
	}

	// Duplicate path refused
	dup := &Library{Name: "Other", Path: "/media/movies", Kind: LibraryMovies}
	if err := d.CreateLibrary(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	if err := d.DeleteLibrary(ctx, lib.ID); err != nil {
		t.Fatalf("DeleteLibrary: %v", err)
	}
	if _, err := d.GetLibrary(ctx, lib.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUnitOfWorkUpsertAndCommit(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	lib := newTestLibrary(t, d)

	uow := d.NewUnitOfWork()
	h, err := uow.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Begin while open must fail
	if _, err := uow.Begin(ctx); !errors.Is(err, ErrTxOpen) {
		t.Errorf("expected ErrTxOpen for nested Begin, got %v", err)
	}

	m := &MediaItem{
		LibraryID: lib.ID,
		Path:      "Heat (1995)/Heat (1995).mkv",
		Title:     "Heat",
		SortTitle: "heat",
		Kind:      "movie",
		Year:      1995,
		Size:      1000,
		ModTime:   time.Now().Truncate(time.Second),
	}
	if err := h.UpsertMedia(m); err != nil {
		t.Fatalf("UpsertMedia: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("UpsertMedia did not fill ID")
	}
	if err := h.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := d.GetMediaByPath(ctx, m.Path)
	if err != nil {
		t.Fatalf("GetMediaByPath: %v", err)
	}
	if got.Title != "Heat" || got.Year != 1995 {
		t.Errorf("got %+v", got)
	}

	// Upsert again with a tmdb match; a later scan without one must not clear it
	uow2 := d.NewUnitOfWork()
	h2, _ := uow2.Begin(ctx)
	m.TMDBID = 949
	m.Overview = "A crew of thieves"
	if err := h2.UpsertMedia(m); err != nil {
		t.Fatalf("UpsertMedia with match: %v", err)
	}
	plain := *got
	plain.TMDBID = 0
	plain.Overview = ""
	if err := h2.UpsertMedia(&plain); err != nil {
		t.Fatalf("UpsertMedia plain: %v", err)
	}
	if err := h2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, _ = d.GetMediaByPath(ctx, m.Path)
	if got.TMDBID != 949 {
		t.Errorf("tmdb match was clobbered: %+v", got)
	}
}

func TestUnitOfWorkRollbackLeavesNothing(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	lib := newTestLibrary(t, d)

	uow := d.NewUnitOfWork()
	h, err := uow.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	m := &MediaItem{
		LibraryID: lib.ID,
		Path:      "Ronin (1998)/Ronin (1998).mkv",
		Title:     "Ronin", SortTitle: "ronin", Kind: "movie",
		ModTime: time.Now(),
	}
	if err := h.UpsertMedia(m); err != nil {
		t.Fatalf("UpsertMedia: %v", err)
	}

	cause := errors.New("walk failed")
	if err := h.Rollback(cause); !errors.Is(err, cause) {
		t.Errorf("Rollback returned %v, want wrapped cause", err)
	}

	if _, err := d.GetMediaByPath(ctx, m.Path); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back row is visible: %v", err)
	}

	// The unit of work is reusable after rollback
	if _, err := uow.Begin(ctx); err != nil {
		t.Errorf("Begin after rollback: %v", err)
	}
}

func TestMoveMediaKeepsIdentity(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	lib := newTestLibrary(t, d)

	uow := d.NewUnitOfWork()
	h, _ := uow.Begin(ctx)
	m := &MediaItem{
		LibraryID: lib.ID,
		Path:      "old/name.mkv",
		Title:     "Name", SortTitle: "name", Kind: "movie",
		TMDBID: 42, ModTime: time.Now(),
	}
	if err := h.UpsertMedia(m); err != nil {
		t.Fatal(err)
	}
	if err := h.Commit(); err != nil {
		t.Fatal(err)
	}

	// Watch status attached to the old identity
	admin, err := d.CreateUser(ctx, "alice", "secret123", RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	ws := &WatchStatus{UserID: admin.ID, MediaID: m.ID, PositionSeconds: 1200, DurationSeconds: 6000}
	if err := d.UpsertWatchStatus(ctx, ws); err != nil {
		t.Fatal(err)
	}

	h2, _ := d.NewUnitOfWork().Begin(ctx)
	if err := h2.MoveMedia("old/name.mkv", "new/name.mkv", 0); err != nil {
		t.Fatalf("MoveMedia: %v", err)
	}
	if err := h2.Commit(); err != nil {
		t.Fatal(err)
	}

	moved, err := d.GetMediaByPath(ctx, "new/name.mkv")
	if err != nil {
		t.Fatalf("moved row not found: %v", err)
	}
	if moved.ID != m.ID {
		t.Errorf("rename changed identity: %d != %d", moved.ID, m.ID)
	}
	if moved.TMDBID != 42 {
		t.Errorf("rename lost tmdb match")
	}
	if _, err := d.GetWatchStatus(ctx, admin.ID, moved.ID); err != nil {
		t.Errorf("rename lost watch status: %v", err)
	}
}

func TestUsersAndLastAdminGuard(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if d.HasAdmin(ctx) {
		t.Fatal("fresh database reports an admin")
	}

	admin, err := d.CreateUser(ctx, "admin", "hunter22", RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	member, err := d.CreateUser(ctx, "bob", "password1", RoleMember)
	if err != nil {
		t.Fatalf("CreateUser member: %v", err)
	}

	if !d.HasAdmin(ctx) {
		t.Error("HasAdmin = false with an admin present")
	}

	if _, err := d.ValidatePassword(ctx, "admin", "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if _, err := d.ValidatePassword(ctx, "admin", "hunter22"); err != nil {
		t.Errorf("right password rejected: %v", err)
	}

	// Cannot demote or delete the only admin
	if err := d.UpdateUserRole(ctx, admin.ID, RoleMember); !errors.Is(err, ErrLastAdmin) {
		t.Errorf("demote last admin: expected ErrLastAdmin, got %v", err)
	}
	if err := d.DeleteUser(ctx, admin.ID); !errors.Is(err, ErrLastAdmin) {
		t.Errorf("delete last admin: expected ErrLastAdmin, got %v", err)
	}

	// With a second admin both operations pass
	if err := d.UpdateUserRole(ctx, member.ID, RoleAdmin); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := d.UpdateUserRole(ctx, admin.ID, RoleMember); err != nil {
		t.Errorf("demote with backup admin: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	user, err := d.CreateUser(ctx, "carol", "secret123", RoleMember)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := d.CreateSession(ctx, user.ID, "device-1", "Living Room")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Token == "" {
		t.Fatal("session has no raw token")
	}

	// The stored token must be the sha256 of the secret, never the secret
	raw, _ := hex.DecodeString(sess.Token)
	sum := sha256.Sum256(raw)
	var stored string
	if err := d.db.QueryRow("SELECT token FROM sessions WHERE id = ?", sess.ID).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored != hex.EncodeToString(sum[:]) {
		t.Error("stored token is not the hash of the secret")
	}

	got, err := d.ValidateSession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("session resolved to wrong user")
	}

	if _, err := d.ValidateSession(ctx, "deadbeef"); err == nil {
		t.Error("garbage token accepted")
	}

	if err := d.DeleteSession(sess.Token); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := d.ValidateSession(ctx, sess.Token); err == nil {
		t.Error("deleted session still valid")
	}
}

func TestPinPairing(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	user, err := d.CreateUser(ctx, "dave", "secret123", RoleMember)
	if err != nil {
		t.Fatal(err)
	}

	code, pin, err := d.CreatePin(ctx, user.ID, "Bedroom TV")
	if err != nil {
		t.Fatalf("CreatePin: %v", err)
	}
	if len(code) != 6 {
		t.Errorf("pin %q is not 6 digits", code)
	}
	if pin.ExpiresAt.Before(time.Now()) {
		t.Error("pin already expired")
	}

	got, err := d.RedeemPin(ctx, code)
	if err != nil {
		t.Fatalf("RedeemPin: %v", err)
	}
	if got.ID != user.ID {
		t.Error("pin resolved to wrong user")
	}

	// A redeemed pin is consumed
	if _, err := d.RedeemPin(ctx, code); err == nil {
		t.Error("redeemed pin accepted twice")
	}
}

func TestPinAttemptLimit(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	user, err := d.CreateUser(ctx, "erin", "secret123", RoleMember)
	if err != nil {
		t.Fatal(err)
	}

	code, _, err := d.CreatePin(ctx, user.ID, "Kitchen")
	if err != nil {
		t.Fatal(err)
	}

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < MaxPinAttempts; i++ {
		if _, err := d.RedeemPin(ctx, wrong); err == nil {
			t.Fatal("wrong pin accepted")
		}
	}

	// Code burned after too many wrong guesses
	if _, err := d.RedeemPin(ctx, code); err == nil {
		t.Error("pin survived the attempt limit")
	}
}

func claimHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func TestClaimStateMachine(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	tokenHash := claimHash("first-boot-token")

	claim, err := d.CreateClaim(ctx, tokenHash)
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	if claim.State != StartedClaim {
		t.Errorf("state = %s, want started", claim.State)
	}

	// Confirm before validate is refused
	if _, err := d.ConsumeClaim(ctx, tokenHash, "admin", "hunter22"); !errors.Is(err, ErrClaimInvalid) {
		t.Errorf("consume before validate: expected ErrClaimInvalid, got %v", err)
	}

	if err := d.ValidateClaim(ctx, tokenHash); err != nil {
		t.Fatalf("ValidateClaim: %v", err)
	}
	// Validating twice is a reuse
	if err := d.ValidateClaim(ctx, tokenHash); !errors.Is(err, ErrClaimInvalid) {
		t.Errorf("double validate: expected ErrClaimInvalid, got %v", err)
	}

	admin, err := d.ConsumeClaim(ctx, tokenHash, "admin", "hunter22")
	if err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if admin.Role != RoleAdmin {
		t.Errorf("claimed user role = %s", admin.Role)
	}

	got, err := d.GetClaim(ctx, tokenHash)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != ConsumedClaim {
		t.Errorf("state = %s, want consumed", got.State)
	}

	// Consumed claims cannot be replayed
	if _, err := d.ConsumeClaim(ctx, tokenHash, "admin2", "hunter23"); !errors.Is(err, ErrClaimInvalid) {
		t.Errorf("replay: expected ErrClaimInvalid, got %v", err)
	}

	// Arming again with an admin present is refused
	if _, err := d.CreateClaim(ctx, claimHash("another")); !errors.Is(err, ErrClaimInvalid) {
		t.Errorf("re-arm with admin: expected ErrClaimInvalid, got %v", err)
	}
}

func TestClaimUnknownToken(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	if err := d.ValidateClaim(ctx, claimHash("nope")); !errors.Is(err, ErrClaimInvalid) {
		t.Errorf("expected ErrClaimInvalid, got %v", err)
	}
}

func TestWatchStatusThreshold(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	lib := newTestLibrary(t, d)
	user, err := d.CreateUser(ctx, "frank", "secret123", RoleMember)
	if err != nil {
		t.Fatal(err)
	}

	h, _ := d.NewUnitOfWork().Begin(ctx)
	m := &MediaItem{LibraryID: lib.ID, Path: "a.mkv", Title: "A", SortTitle: "a", Kind: "movie", ModTime: time.Now()}
	if err := h.UpsertMedia(m); err != nil {
		t.Fatal(err)
	}
	if err := h.Commit(); err != nil {
		t.Fatal(err)
	}

	ws := &WatchStatus{UserID: user.ID, MediaID: m.ID, PositionSeconds: 5500, DurationSeconds: 6000}
	if err := d.UpsertWatchStatus(ctx, ws); err != nil {
		t.Fatal(err)
	}

	got, err := d.GetWatchStatus(ctx, user.ID, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Watched {
		t.Error("91% played should mark watched")
	}
}

func TestSyncSessions(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	lib := newTestLibrary(t, d)
	user, err := d.CreateUser(ctx, "gina", "secret123", RoleMember)
	if err != nil {
		t.Fatal(err)
	}
	h, _ := d.NewUnitOfWork().Begin(ctx)
	m := &MediaItem{LibraryID: lib.ID, Path: "b.mkv", Title: "B", SortTitle: "b", Kind: "movie", ModTime: time.Now()}
	if err := h.UpsertMedia(m); err != nil {
		t.Fatal(err)
	}
	if err := h.Commit(); err != nil {
		t.Fatal(err)
	}

	s := &SyncSession{
		ID: "11111111-2222-3333-4444-555555555555",
		UserID: user.ID, DeviceID: "tv-1", MediaID: m.ID,
		PositionSeconds: 30, State: SyncPlaying,
	}
	if err := d.UpsertSyncSession(ctx, s); err != nil {
		t.Fatalf("UpsertSyncSession: %v", err)
	}

	s.PositionSeconds = 90
	s.State = SyncPaused
	if err := d.UpsertSyncSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	list, err := d.ListSyncSessions(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
	if list[0].State != SyncPaused || list[0].PositionSeconds != 90 {
		t.Errorf("got %+v", list[0])
	}

	if err := d.DeleteSyncSession(ctx, user.ID, s.ID); err != nil {
		t.Fatal(err)
	}
	if err := d.DeleteSyncSession(ctx, user.ID, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
