package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"duet/internal/api"
	"duet/internal/auth"
	"duet/internal/config"
)

// AddUser asks a running server to create an account and prints its first
// session token.
func AddUser(fullName, email string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{FullName: fullName, Email: email})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("ID:         %s\n", result.User.ID)
	fmt.Printf("Full name:  %s\n", result.User.FullName)
	fmt.Printf("Token:      %s\n", result.Token)
	fmt.Printf("Expires:    %s\n\n", time.Unix(result.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Printf("Set it as the %q cookie or send it as a Bearer token.\n", auth.CookieName)
	return nil
}
