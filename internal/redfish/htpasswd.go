package redfish

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// writeHtpasswd writes a single-entry credential file for the management
// endpoint. The hash is regenerated on every start so a changed password
// takes effect immediately.
func writeHtpasswd(path, user, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	line := fmt.Sprintf("%s:%s\n", user, hash)
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}
