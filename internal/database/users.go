package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// HasAdmin reports whether any admin account exists. The setup claim can only
// be armed while this is false.
func (d *Database) HasAdmin(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE role = 'admin'").Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// CreateUser creates an account with the given role.
func (d *Database) CreateUser(ctx context.Context, username, password string, role Role) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("create_user", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := d.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)",
		username, string(hash), string(role),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			err = fmt.Errorf("username %s: %w", username, ErrDuplicate)
			return nil, err
		}
		err = fmt.Errorf("failed to create user: %w", err)
		return nil, err
	}

	id, _ := result.LastInsertId()
	now := time.Now()
	return &User{
		ID:        id,
		Username:  username,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ValidatePassword checks credentials and returns the user if valid.
func (d *Database) ValidatePassword(ctx context.Context, username, password string) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("validate_password", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	user, err := d.getUserBy(ctx, "username = ?", username)
	if err != nil {
		// Same answer for unknown user and wrong password
		err = fmt.Errorf("invalid credentials")
		return nil, err
	}

	if err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		err = fmt.Errorf("invalid credentials")
		return nil, err
	}
	return user, nil
}

func (d *Database) getUserBy(ctx context.Context, where string, arg any) (*User, error) {
	var user User
	var role string
	var createdAt, updatedAt int64
	err := d.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at, updated_at FROM users WHERE "+where,
		arg,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &role, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Role = Role(role)
	user.CreatedAt = scanTime(createdAt)
	user.UpdatedAt = scanTime(updatedAt)
	return &user, nil
}

// GetUser fetches a user by id.
func (d *Database) GetUser(ctx context.Context, id int64) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_user", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	user, err := d.getUserBy(ctx, "id = ?", id)
	return user, err
}

// ListUsers returns all accounts ordered by username.
func (d *Database) ListUsers(ctx context.Context) ([]*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_users", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		"SELECT id, username, password_hash, role, created_at, updated_at FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var role string
		var createdAt, updatedAt int64
		if err = rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &role, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		user.Role = Role(role)
		user.CreatedAt = scanTime(createdAt)
		user.UpdatedAt = scanTime(updatedAt)
		users = append(users, &user)
	}
	err = rows.Err()
	return users, err
}

// countAdminsExcept counts admins other than the given user id.
func (d *Database) countAdminsExcept(ctx context.Context, id int64) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE role = 'admin' AND id != ?", id).Scan(&count)
	return count, err
}

// UpdateUserRole changes an account's role. Demoting the final admin
// returns ErrLastAdmin.
func (d *Database) UpdateUserRole(ctx context.Context, id int64, role Role) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_user_role", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if role != RoleAdmin {
		others, countErr := d.countAdminsExcept(ctx, id)
		if countErr != nil {
			err = countErr
			return err
		}
		user, getErr := d.getUserBy(ctx, "id = ?", id)
		if getErr != nil {
			err = getErr
			return err
		}
		if user.Role == RoleAdmin && others == 0 {
			err = ErrLastAdmin
			return err
		}
	}

	result, err := d.db.ExecContext(ctx,
		"UPDATE users SET role = ?, updated_at = strftime('%s', 'now') WHERE id = ?",
		string(role), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		err = ErrNotFound
		return err
	}
	return nil
}

// DeleteUser removes an account and its sessions. Deleting the final admin
// returns ErrLastAdmin.
func (d *Database) DeleteUser(ctx context.Context, id int64) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete_user", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	user, err := d.getUserBy(ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if user.Role == RoleAdmin {
		others, countErr := d.countAdminsExcept(ctx, id)
		if countErr != nil {
			err = countErr
			return err
		}
		if others == 0 {
			err = ErrLastAdmin
			return err
		}
	}

	_, err = d.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	return err
}

// UpdatePassword changes a user's password and invalidates their sessions.
func (d *Database) UpdatePassword(ctx context.Context, id int64, newPassword string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_password", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := d.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = strftime('%s', 'now') WHERE id = ?",
		string(hash), id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		err = ErrNotFound
		return err
	}

	if _, delErr := d.db.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", id); delErr != nil {
		return fmt.Errorf("password updated but failed to invalidate sessions: %w", delErr)
	}
	return nil
}
