// Command resetadmin manages accounts directly against the database for
// recovery, e.g. when the only admin forgot their password.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mediakeep/internal/database"

	"golang.org/x/term"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultDatabaseDir = "/database"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	databaseDir := os.Getenv("DATABASE_DIR")
	if databaseDir == "" {
		databaseDir = defaultDatabaseDir
	}
	dbPath := filepath.Join(databaseDir, "mediakeep.db")

	db, err := database.New(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to database: %v\n", err)
		fmt.Fprintf(os.Stderr, "Make sure DATABASE_DIR is set correctly (current: %s)\n", databaseDir)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
	}()

	switch command {
	case "reset":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: resetadmin reset <username>")
			os.Exit(1)
		}
		if !resetPassword(ctx, db, os.Args[2]) {
			os.Exit(1)
		}
	case "list":
		listUsers(ctx, db)
	case "status":
		showStatus(ctx, db)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("MediaKeep Account Recovery")
	fmt.Println("")
	fmt.Println("Usage: resetadmin <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  reset <username>  - Reset a user's password")
	fmt.Println("  list              - List all accounts")
	fmt.Println("  status            - Check whether an admin account exists")
	fmt.Println("")
	fmt.Println("Environment:")
	fmt.Printf("  DATABASE_DIR - Path to database directory (default: %s)\n", defaultDatabaseDir)
}

func findUser(ctx context.Context, db *database.Database, username string) (*database.User, error) {
	users, err := db.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, database.ErrNotFound
}

func resetPassword(ctx context.Context, db *database.Database, username string) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	user, err := findUser(ctx, db, username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: no account named %q. Use 'resetadmin list' to see accounts.\n", username)
		return false
	}

	fmt.Print("New Password: ")
	password, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		return false
	}

	fmt.Print("Confirm Password: ")
	confirm, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		return false
	}

	if !bytes.Equal(password, confirm) {
		fmt.Fprintln(os.Stderr, "Error: Passwords do not match")
		return false
	}
	if len(password) < 8 {
		fmt.Fprintln(os.Stderr, "Error: Password must be at least 8 characters")
		return false
	}

	if err := db.UpdatePassword(ctx, user.ID, string(password)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to update password: %v\n", err)
		return false
	}

	fmt.Printf("Password updated for %q.\n", user.Username)
	fmt.Println("All existing sessions for this account have been invalidated.")
	return true
}

func listUsers(ctx context.Context, db *database.Database) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	users, err := db.ListUsers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list accounts: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Println("No accounts. Complete first-boot setup in the web interface.")
		return
	}
	for _, u := range users {
		fmt.Printf("  %-20s %s\n", u.Username, u.Role)
	}
}

func showStatus(ctx context.Context, db *database.Database) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if db.HasAdmin(ctx) {
		fmt.Println("Status: An admin account exists")
	} else {
		fmt.Println("Status: No admin account (setup required)")
	}
}
