package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"quad/internal/api"
	"quad/internal/config"
)

// AddUser provisions a user through the running admin API and prints the
// minted token for the operator to hand over.
func AddUser(username, displayName string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username, DisplayName: displayName})
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

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:     %s\n", result.User.UserName)
	fmt.Printf("User ID:      %s\n", result.User.ID)
	fmt.Printf("API Token:    %s\n\n", result.Token)
	fmt.Println("Please share the token with the user; it will not be shown again.")
	return nil
}
