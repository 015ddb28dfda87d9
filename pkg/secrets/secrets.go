package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Read reads a secret from the standard Docker Secrets path. There is no
// environment-variable fallback so behavior stays consistent across
// deployments.
func Read(secretName string) (string, error) {
	filePath := fmt.Sprintf("/run/secrets/%s", secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}
