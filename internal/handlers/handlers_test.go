package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediakeep/internal/auth"
	"mediakeep/internal/database"
	"mediakeep/internal/middleware"
	"mediakeep/internal/query"
	"mediakeep/internal/scan"
)

type testEnv struct {
	handlers *Handlers
	server   http.Handler
	db       *database.Database
	auth     *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc := auth.NewService(db)
	h := New(Options{
		DB:   db,
		Auth: svc,
		Repo: query.NewRepository(db, query.DefaultComplexityConfig()),
		Orch: scan.NewOrchestrator(db, nil, nil, nil),
	})
	// Session resolution wraps the router exactly as in production.
	return &testEnv{
		handlers: h,
		server:   middleware.Auth(svc)(h.Router()),
		db:       db,
		auth:     svc,
	}
}

// signup creates a user directly and logs them in, returning the token.
func (e *testEnv) signup(t *testing.T, username string, role database.Role) string {
	t.Helper()
	ctx := context.Background()
	if _, err := e.db.CreateUser(ctx, username, "password123", role); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	_, session, err := e.auth.Login(ctx, username, "password123", "test device")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return session.Token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// insertMedia seeds one media row the way a scan ingest would.
func insertMedia(t *testing.T, db *database.Database, lib *database.Library, relPath, title string, year int) *database.MediaItem {
	t.Helper()
	uow := db.NewUnitOfWork()
	h, err := uow.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	m := &database.MediaItem{
		LibraryID: lib.ID,
		Path:      relPath,
		Title:     title,
		SortTitle: title,
		Kind:      "movie",
		Year:      year,
		Size:      1000,
		ModTime:   time.Now().Truncate(time.Second),
	}
	if err := h.UpsertMedia(m); err != nil {
		t.Fatalf("UpsertMedia: %v", err)
	}
	if err := h.Commit(); err != nil {
		t.Fatal(err)
	}
	return m
}

func createLibrary(t *testing.T, db *database.Database, path string) *database.Library {
	t.Helper()
	lib := &database.Library{Name: "Movies", Path: path, Kind: database.LibraryMovies}
	if err := db.CreateLibrary(context.Background(), lib); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	return lib
}

func TestHealthAndVersion(t *testing.T) {
	e := newTestEnv(t)

	rec := e.request(t, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/health = %d", rec.Code)
	}
	health := decodeBody[HealthResponse](t, rec)
	if health.Status != "ok" || health.Database != "ok" {
		t.Errorf("health = %+v", health)
	}

	if rec := e.request(t, "GET", "/version", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/version = %d", rec.Code)
	}
	if rec := e.request(t, "GET", "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d", rec.Code)
	}
}

func TestSetupFlowOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	rec := e.request(t, "GET", "/api/auth/setup-state", "", nil)
	if state := decodeBody[map[string]string](t, rec)["state"]; state != "needed" {
		t.Fatalf("initial state = %q", state)
	}

	if rec := e.request(t, "POST", "/api/auth/claim/start", "", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("claim/start = %d: %s", rec.Code, rec.Body.String())
	}

	// The generated token lives in the server log; arm a known one instead.
	sum := sha256.Sum256([]byte("known-token"))
	if _, err := e.db.CreateClaim(context.Background(), hex.EncodeToString(sum[:])); err != nil {
		t.Fatal(err)
	}

	rec = e.request(t, "POST", "/api/auth/claim/validate", "", map[string]string{"token": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token validate = %d", rec.Code)
	}
	rec = e.request(t, "POST", "/api/auth/claim/validate", "", map[string]string{"token": "known-token"})
	if rec.Code != http.StatusOK {
		t.Errorf("validate = %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.request(t, "POST", "/api/auth/claim/confirm", "", map[string]string{
		"token":    "known-token",
		"username": "admin",
		"password": "hunter22!",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirm = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[AuthResponse](t, rec)
	if resp.Token == "" || !resp.User.IsAdmin() {
		t.Errorf("confirm response = %+v", resp)
	}

	// Cookie must ride along for browser clients
	found := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookie && c.Value == resp.Token && c.HttpOnly {
			found = true
		}
	}
	if !found {
		t.Error("session cookie not set on confirm")
	}

	rec = e.request(t, "GET", "/api/auth/setup-state", "", nil)
	if state := decodeBody[map[string]string](t, rec)["state"]; state != "done" {
		t.Errorf("state after confirm = %q", state)
	}

	// Second confirm with the same token must fail; claims are single-use
	rec = e.request(t, "POST", "/api/auth/claim/confirm", "", map[string]string{
		"token":    "known-token",
		"username": "intruder",
		"password": "letmein00",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("reused claim = %d", rec.Code)
	}
}

func TestLoginLogout(t *testing.T) {
	e := newTestEnv(t)
	e.signup(t, "alice", database.RoleAdmin)

	rec := e.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password = %d", rec.Code)
	}

	rec = e.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "password123", "deviceName": "laptop",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[AuthResponse](t, rec)

	rec = e.request(t, "GET", "/api/auth/check", resp.Token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("check = %d", rec.Code)
	}

	rec = e.request(t, "POST", "/api/auth/logout", resp.Token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("logout = %d", rec.Code)
	}
	rec = e.request(t, "GET", "/api/auth/check", resp.Token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("check after logout = %d", rec.Code)
	}
}

func TestMediaRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.request(t, "GET", "/api/media", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated media list = %d", rec.Code)
	}
}

func TestLibraryCRUD(t *testing.T) {
	e := newTestEnv(t)
	admin := e.signup(t, "admin", database.RoleAdmin)
	member := e.signup(t, "bob", database.RoleMember)
	dir := t.TempDir()

	// Members cannot manage libraries
	rec := e.request(t, "POST", "/api/libraries", member, map[string]string{
		"name": "Movies", "path": dir, "kind": "movie",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member create = %d", rec.Code)
	}

	rec = e.request(t, "POST", "/api/libraries", admin, map[string]string{
		"name": "Movies", "path": dir, "kind": "movie",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	lib := decodeBody[database.Library](t, rec)

	// Duplicate path conflicts
	rec = e.request(t, "POST", "/api/libraries", admin, map[string]string{
		"name": "Copy", "path": dir, "kind": "movie",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate path = %d", rec.Code)
	}

	// Bad inputs are rejected before touching the database
	for name, body := range map[string]map[string]string{
		"bad kind":      {"name": "X", "path": dir, "kind": "music"},
		"relative path": {"name": "X", "path": "movies", "kind": "movie"},
		"missing path":  {"name": "X", "path": filepath.Join(dir, "nope"), "kind": "movie"},
	} {
		if rec := e.request(t, "POST", "/api/libraries", admin, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d", name, rec.Code)
		}
	}

	// Members can list
	rec = e.request(t, "GET", "/api/libraries", member, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	if libs := decodeBody[[]database.Library](t, rec); len(libs) != 1 {
		t.Errorf("got %d libraries", len(libs))
	}

	rec = e.request(t, "DELETE", fmt.Sprintf("/api/libraries/%d", lib.ID), admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	rec = e.request(t, "DELETE", fmt.Sprintf("/api/libraries/%d", lib.ID), admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete again = %d", rec.Code)
	}
}

func TestMediaBrowseAndQueryLimits(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "alice", database.RoleMember)
	lib := createLibrary(t, e.db, t.TempDir())
	insertMedia(t, e.db, lib, "Heat (1995)/Heat (1995).mkv", "Heat", 1995)
	insertMedia(t, e.db, lib, "Ronin (1998)/Ronin (1998).mkv", "Ronin", 1998)

	rec := e.request(t, "GET", "/api/media?sort=title", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("browse = %d: %s", rec.Code, rec.Body.String())
	}
	page := decodeBody[query.Page[query.MediaWithStatus]](t, rec)
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].Title != "Heat" {
		t.Errorf("sort order wrong: %q first", page.Items[0].Title)
	}

	rec = e.request(t, "GET", fmt.Sprintf("/api/media?library=%d&year=1995", lib.ID), token, nil)
	if page := decodeBody[query.Page[query.MediaWithStatus]](t, rec); page.Total != 1 {
		t.Errorf("year filter total = %d", page.Total)
	}

	// Unknown sort field is a client error
	rec = e.request(t, "GET", "/api/media?sort=path", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad sort = %d", rec.Code)
	}

	// Too many sort terms pushes the query over budget
	rec = e.request(t, "GET", "/api/media?sort=title,year,rating,added", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("over-budget query = %d", rec.Code)
	}
}

func TestWatchStatusRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "alice", database.RoleMember)
	lib := createLibrary(t, e.db, t.TempDir())
	m := insertMedia(t, e.db, lib, "Heat (1995)/Heat (1995).mkv", "Heat", 1995)

	rec := e.request(t, "POST", fmt.Sprintf("/api/media/%d/status", m.ID), token, map[string]float64{
		"positionSeconds": 600, "durationSeconds": 10200,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status post = %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.request(t, "GET", fmt.Sprintf("/api/media/%d", m.ID), token, nil)
	got := decodeBody[query.MediaWithStatus](t, rec)
	if got.PositionSeconds != 600 || got.Watched {
		t.Errorf("status = %+v", got)
	}

	// Crossing 90% flips watched automatically
	e.request(t, "POST", fmt.Sprintf("/api/media/%d/status", m.ID), token, map[string]float64{
		"positionSeconds": 9800, "durationSeconds": 10200,
	})
	rec = e.request(t, "GET", fmt.Sprintf("/api/media/%d", m.ID), token, nil)
	if got := decodeBody[query.MediaWithStatus](t, rec); !got.Watched {
		t.Error("not marked watched past 90%")
	}

	// Ghost media gets a 404, not a dangling status row
	rec = e.request(t, "POST", "/api/media/99999/status", token, map[string]float64{
		"positionSeconds": 1, "durationSeconds": 2,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("ghost media = %d", rec.Code)
	}
}

func TestContinueWatching(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "alice", database.RoleMember)
	lib := createLibrary(t, e.db, t.TempDir())
	m := insertMedia(t, e.db, lib, "Heat (1995)/Heat (1995).mkv", "Heat", 1995)

	e.request(t, "POST", fmt.Sprintf("/api/media/%d/status", m.ID), token, map[string]float64{
		"positionSeconds": 600, "durationSeconds": 10200,
	})

	rec := e.request(t, "GET", "/api/media/continue", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("continue = %d", rec.Code)
	}
	items := decodeBody[[]query.MediaWithStatus](t, rec)
	if len(items) != 1 || items[0].ID != m.ID {
		t.Errorf("items = %+v", items)
	}
}

func TestStreamEndpoint(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "alice", database.RoleMember)
	dir := t.TempDir()
	lib := createLibrary(t, e.db, dir)
	m := insertMedia(t, e.db, lib, "Heat (1995)/Heat (1995).mkv", "Heat", 1995)

	full := filepath.Join(dir, m.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, make([]byte, 4096), 0644); err != nil {
		t.Fatal(err)
	}

	rec := e.request(t, "GET", fmt.Sprintf("/api/stream/%d", m.ID), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/x-matroska" {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Body.Len() != 4096 {
		t.Errorf("body = %d bytes", rec.Body.Len())
	}

	if rec := e.request(t, "GET", "/api/stream/99999", token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing media = %d", rec.Code)
	}
}

func TestScanEndpoints(t *testing.T) {
	e := newTestEnv(t)
	admin := e.signup(t, "admin", database.RoleAdmin)
	member := e.signup(t, "bob", database.RoleMember)
	createLibrary(t, e.db, t.TempDir())

	if rec := e.request(t, "POST", "/api/scan", member, nil); rec.Code != http.StatusForbidden {
		t.Errorf("member scan = %d", rec.Code)
	}

	rec := e.request(t, "POST", "/api/scan", admin, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("scan = %d: %s", rec.Code, rec.Body.String())
	}

	// Status is readable by any authenticated user
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = e.request(t, "GET", "/api/scan/status", member, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		statuses := decodeBody[[]scan.Progress](t, rec)
		if len(statuses) > 0 && statuses[0].Phase == scan.PhaseDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scan never finished: %s", rec.Body.String())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestPinPairingOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "alice", database.RoleMember)

	rec := e.request(t, "POST", "/api/devices/pin", token, map[string]string{"deviceName": "tv"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pin = %d: %s", rec.Code, rec.Body.String())
	}
	code := decodeBody[map[string]any](t, rec)["code"].(string)
	if len(code) != 6 {
		t.Fatalf("code = %q", code)
	}

	// Redemption needs no session; that is the whole point
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}
	rec = e.request(t, "POST", "/api/auth/pin", "", map[string]string{
		"code": wrong, "deviceName": "intruder",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong code = %d", rec.Code)
	}

	rec = e.request(t, "POST", "/api/auth/pin", "", map[string]string{
		"code": code, "deviceName": "living room tv",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[AuthResponse](t, rec)
	if resp.Token == "" || resp.User.Username != "alice" {
		t.Errorf("redeem response = %+v", resp)
	}

	// Both sessions show as devices now
	rec = e.request(t, "GET", "/api/devices", token, nil)
	devices := decodeBody[[]database.Session](t, rec)
	if len(devices) != 2 {
		t.Fatalf("devices = %d", len(devices))
	}

	rec = e.request(t, "DELETE", fmt.Sprintf("/api/devices/%d", devices[0].ID), token, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("revoke = %d", rec.Code)
	}
}

func TestSyncSessions(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "alice", database.RoleMember)
	lib := createLibrary(t, e.db, t.TempDir())
	m := insertMedia(t, e.db, lib, "Heat (1995)/Heat (1995).mkv", "Heat", 1995)

	rec := e.request(t, "POST", "/api/sync", token, map[string]any{
		"deviceId": "dev-1", "mediaId": m.ID, "positionSeconds": 42.5, "state": "playing",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("report = %d: %s", rec.Code, rec.Body.String())
	}
	session := decodeBody[database.SyncSession](t, rec)
	if session.ID == "" {
		t.Fatal("no id assigned")
	}

	// Same id updates in place
	rec = e.request(t, "POST", "/api/sync", token, map[string]any{
		"id": session.ID, "deviceId": "dev-1", "mediaId": m.ID,
		"positionSeconds": 90.0, "state": "paused",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d", rec.Code)
	}

	rec = e.request(t, "GET", "/api/sync", token, nil)
	sessions := decodeBody[[]database.SyncSession](t, rec)
	if len(sessions) != 1 || sessions[0].State != database.SyncPaused {
		t.Fatalf("sessions = %+v", sessions)
	}

	if rec := e.request(t, "POST", "/api/sync", token, map[string]any{
		"mediaId": m.ID, "state": "rewinding",
	}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad state = %d", rec.Code)
	}

	rec = e.request(t, "DELETE", "/api/sync/"+session.ID, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	rec = e.request(t, "GET", "/api/sync", token, nil)
	if sessions := decodeBody[[]database.SyncSession](t, rec); len(sessions) != 0 {
		t.Errorf("sessions after delete = %+v", sessions)
	}
}

func TestUserManagement(t *testing.T) {
	e := newTestEnv(t)
	admin := e.signup(t, "admin", database.RoleAdmin)

	rec := e.request(t, "POST", "/api/users", admin, map[string]string{
		"username": "carol", "password": "secret123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	carol := decodeBody[database.User](t, rec)
	if carol.Role != database.RoleMember {
		t.Errorf("default role = %q", carol.Role)
	}

	rec = e.request(t, "POST", "/api/users", admin, map[string]string{
		"username": "carol", "password": "secret123",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate = %d", rec.Code)
	}

	rec = e.request(t, "GET", "/api/users", admin, nil)
	if users := decodeBody[[]database.User](t, rec); len(users) != 2 {
		t.Errorf("users = %d", len(users))
	}

	rec = e.request(t, "PUT", fmt.Sprintf("/api/users/%d/role", carol.ID), admin, map[string]string{"role": "admin"})
	if rec.Code != http.StatusOK {
		t.Errorf("promote = %d", rec.Code)
	}

	rec = e.request(t, "PUT", fmt.Sprintf("/api/users/%d/password", carol.ID), admin, map[string]string{"password": "newpass99"})
	if rec.Code != http.StatusOK {
		t.Errorf("password = %d", rec.Code)
	}

	rec = e.request(t, "DELETE", fmt.Sprintf("/api/users/%d", carol.ID), admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d: %s", rec.Code, rec.Body.String())
	}
}
