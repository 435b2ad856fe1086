package database

import (
	"errors"
	"time"
)

// Sentinel errors returned by repositories.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("database: not found")
	// ErrDuplicate indicates a uniqueness constraint was violated.
	ErrDuplicate = errors.New("database: duplicate")
	// ErrLastAdmin indicates an operation would remove the final admin account.
	ErrLastAdmin = errors.New("database: cannot remove the last admin")
	// ErrClaimInvalid indicates a setup claim token is unknown, expired, or
	// already used.
	ErrClaimInvalid = errors.New("database: invalid setup claim")
	// ErrTxOpen indicates Begin was called on a unit of work that already has
	// an open transaction.
	ErrTxOpen = errors.New("database: transaction already open")
	// ErrTxClosed indicates a transaction handle was used after commit or rollback.
	ErrTxClosed = errors.New("database: transaction closed")
)

// LibraryKind distinguishes movie libraries from series libraries.
type LibraryKind string

const (
	LibraryMovies LibraryKind = "movie"
	LibrarySeries LibraryKind = "series"
)

// Library is a configured media root.
type Library struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	Kind      LibraryKind `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Folder is a directory inside a library. Folder rows persist series-folder
// clues and the last scan time for incremental scanning.
type Folder struct {
	ID            int64     `json:"id"`
	LibraryID     int64     `json:"libraryId"`
	Path          string    `json:"path"`
	ParentPath    string    `json:"parentPath"`
	ModTime       time.Time `json:"modTime"`
	LastScannedAt time.Time `json:"lastScannedAt"`
	SeriesHint    string    `json:"seriesHint,omitempty"`
}

// MediaItem is a cataloged media file.
type MediaItem struct {
	ID             int64     `json:"id"`
	LibraryID      int64     `json:"libraryId"`
	FolderID       int64     `json:"folderId"`
	Path           string    `json:"path"` // library-relative
	Title          string    `json:"title"`
	SortTitle      string    `json:"sortTitle"`
	Kind           string    `json:"kind"` // "movie" or "episode"
	Season         int       `json:"season,omitempty"`
	Episode        int       `json:"episode,omitempty"`
	Year           int       `json:"year,omitempty"`
	Size           int64     `json:"size"`
	ModTime        time.Time `json:"modTime"`
	ContentHash    string    `json:"-"`
	Container      string    `json:"container,omitempty"`
	VideoCodec     string    `json:"videoCodec,omitempty"`
	Resolution     string    `json:"resolution,omitempty"`
	HDRFormat      string    `json:"hdrFormat,omitempty"`
	RuntimeMinutes int       `json:"runtimeMinutes,omitempty"`
	TMDBID         int64     `json:"tmdbId,omitempty"`
	Overview       string    `json:"overview,omitempty"`
	PosterKey      string    `json:"posterKey,omitempty"`
	BackdropKey    string    `json:"backdropKey,omitempty"`
	VoteAverage    float64   `json:"voteAverage,omitempty"`
	AddedAt        time.Time `json:"addedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	// ContentUpdatedAt changes only when the file content changes, not on
	// every scan touch. Artwork invalidation keys off this.
	ContentUpdatedAt time.Time `json:"contentUpdatedAt"`
}

// Role is a user's access level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User is an account that can sign in.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Session is a device-bound authenticated session. Token holds the raw
// secret only on the Session returned from CreateSession; the database
// stores a sha256 of it.
type Session struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	Token      string    `json:"token,omitempty"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SessionDuration is the sliding validity window for device sessions.
const SessionDuration = 7 * 24 * time.Hour

// PinCode is a short-lived pairing code minted by a signed-in user so a new
// device can obtain its own session.
type PinCode struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	CodeHash   string    `json:"-"`
	DeviceName string    `json:"deviceName"`
	Attempts   int       `json:"-"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PinDuration is how long a pairing code remains redeemable.
const PinDuration = 5 * time.Minute

// MaxPinAttempts is the number of wrong guesses before a code is burned.
const MaxPinAttempts = 5

// ClaimState tracks the first-run admin provisioning ceremony.
type ClaimState string

const (
	StartedClaim        ClaimState = "started"
	ValidatedClaimToken ClaimState = "validated"
	ConfirmedClaim      ClaimState = "confirmed"
	ConsumedClaim       ClaimState = "consumed"
)

// SetupClaim is the single-use token that bootstraps the first admin.
type SetupClaim struct {
	ID          int64      `json:"id"`
	TokenHash   string     `json:"-"`
	State       ClaimState `json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	ValidatedAt time.Time  `json:"validatedAt,omitempty"`
	ConfirmedAt time.Time  `json:"confirmedAt,omitempty"`
	ConsumedAt  time.Time  `json:"consumedAt,omitempty"`
}

// ClaimDuration is how long a setup claim token stays valid.
const ClaimDuration = 15 * time.Minute

// WatchStatus is a user's playback position for one media item.
type WatchStatus struct {
	UserID          int64     `json:"userId"`
	MediaID         int64     `json:"mediaId"`
	PositionSeconds float64   `json:"positionSeconds"`
	DurationSeconds float64   `json:"durationSeconds"`
	Watched         bool      `json:"watched"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// SyncState is the playback state reported by a device.
type SyncState string

const (
	SyncPlaying SyncState = "playing"
	SyncPaused  SyncState = "paused"
	SyncStopped SyncState = "stopped"
)

// SyncSession mirrors what a device is currently playing so other devices
// can resume or display it.
type SyncSession struct {
	ID              string    `json:"id"` // UUID
	UserID          int64     `json:"userId"`
	DeviceID        string    `json:"deviceId"`
	MediaID         int64     `json:"mediaId"`
	PositionSeconds float64   `json:"positionSeconds"`
	State           SyncState `json:"state"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
