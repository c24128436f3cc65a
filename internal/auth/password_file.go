package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const passwordFileVersion = 1

// credentialsFile is the on-disk JSON shape for bcrypt-backed credentials.
type credentialsFile struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash,omitempty"`
	Password     string `json:"password,omitempty"` // legacy plaintext, auto-migrated on load
	Version      int    `json:"version"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// LoadCredentials reads username/passwordHash from filePath, auto-migrating
// a legacy plaintext password field to a bcrypt hash written back to disk.
func LoadCredentials(filePath string) (username, passwordHash string, err error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("password file not found: %s", filePath)
		}
		return "", "", fmt.Errorf("read password file: %w", err)
	}

	if info, statErr := os.Stat(filePath); statErr == nil && info.Mode().Perm()&0077 != 0 {
		fmt.Fprintf(os.Stderr, "warning: password file %s has overly permissive permissions %v, recommend 0600\n", filePath, info.Mode().Perm())
	}

	var cf credentialsFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return "", "", fmt.Errorf("parse password file: %w", err)
	}
	if cf.Username == "" {
		return "", "", fmt.Errorf("password file missing username")
	}

	if cf.PasswordHash != "" {
		if !isBcryptHash(cf.PasswordHash) {
			return "", "", fmt.Errorf("password_hash is not a bcrypt hash")
		}
		return cf.Username, cf.PasswordHash, nil
	}

	if cf.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cf.Password), bcrypt.DefaultCost)
		if err != nil {
			return "", "", fmt.Errorf("hash password: %w", err)
		}
		migrated := credentialsFile{
			Username:     cf.Username,
			PasswordHash: string(hash),
			Version:      passwordFileVersion,
			UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := saveCredentialsFile(filePath, &migrated); err != nil {
			return "", "", fmt.Errorf("save migrated password file: %w", err)
		}
		return migrated.Username, migrated.PasswordHash, nil
	}

	return "", "", fmt.Errorf("password file missing password or password_hash")
}

func saveCredentialsFile(filePath string, cf *credentialsFile) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal password file: %w", err)
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp credentials file: %w", err)
	}
	return nil
}

// DefaultPasswordFilePath is ~/.terminal-hub/credentials.json.
func DefaultPasswordFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".terminal-hub", "credentials.json"), nil
}
