// Package identity resolves the account the core is acting for
package identity

import (
	"fmt"

	"habit-sync/internal/database"
)

// Guest is the user id of a device nobody has signed in on. Guest data never
// leaves the device.
const Guest = "guest"

// IsGuest reports whether userID is the guest sentinel
func IsGuest(userID string) bool {
	return userID == "" || userID == Guest
}

// Provider returns the current user id, or Guest
type Provider interface {
	CurrentUser() (string, error)
}

// Static always returns the same user id
type Static string

func (s Static) CurrentUser() (string, error) {
	if s == "" {
		return Guest, nil
	}
	return string(s), nil
}

// DBProvider reads the active account from the local database
type DBProvider struct {
	db *database.DB
}

func NewDBProvider(db *database.DB) *DBProvider {
	return &DBProvider{db: db}
}

func (p *DBProvider) CurrentUser() (string, error) {
	account, err := p.db.GetActiveAccount()
	if err != nil {
		return "", fmt.Errorf("failed to resolve current user: %w", err)
	}
	if account == nil {
		return Guest, nil
	}
	return account.UserID, nil
}
