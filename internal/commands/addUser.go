package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"chattr/internal/auth"
	"chattr/internal/config"
	"chattr/internal/store"
)

// AddUser creates an account with a random password and prints the
// credentials. Runs against the database directly, the server does not
// need to be up.
func AddUser(ctx context.Context, username string, cfg *config.Config) error {
	st, err := store.NewBbolt(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = st.Close() }()

	password, err := randomPassword()
	if err != nil {
		return err
	}

	authService := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, st)
	account, err := authService.Register(ctx, username, password, "")
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:          %s\n", account.Username)
	fmt.Printf("Password:          %s\n\n", password)
	fmt.Println("Please share these credentials with the user and ask them to log in.")
	return nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
