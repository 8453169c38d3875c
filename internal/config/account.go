package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrNoAccount is returned when no bot account could be resolved.
var ErrNoAccount = errors.New("signal account not configured")

// LoadAccountFile reads the bot's phone number from path.
func LoadAccountFile(path string) (string, error) {
	content, err := os.ReadFile(path) // #nosec G304 - Path comes from config and is expected to be dynamic
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("account file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read account file: %w", err)
	}

	account := strings.TrimSpace(string(content))
	if err := ValidateAccount(account); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return account, nil
}

// ValidateAccount checks that account looks like an E.164 number.
func ValidateAccount(account string) error {
	if account == "" {
		return ErrNoAccount
	}
	if !strings.HasPrefix(account, "+") || len(account) < 4 {
		return fmt.Errorf("account %q must be an international number starting with +", account)
	}
	for _, r := range account[1:] {
		if r < '0' || r > '9' {
			return fmt.Errorf("account %q must contain only digits after +", account)
		}
	}
	return nil
}

// ResolveAccount returns the configured account, falling back to the
// account file.
func (c SignalConfig) ResolveAccount() (string, error) {
	if c.Account != "" {
		if err := ValidateAccount(c.Account); err != nil {
			return "", err
		}
		return c.Account, nil
	}
	if c.AccountFile == "" {
		return "", ErrNoAccount
	}
	return LoadAccountFile(c.AccountFile)
}
