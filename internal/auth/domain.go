package auth

import (
	"time"

	"github.com/fleethq/fleethq/internal/authstore"
)

// Account is a profile record together with its credential hash.
type Account struct {
	ID           string
	FullName     string
	Email        string
	Role         authstore.Role
	BadgeNumber  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile projects the account into the auth store's profile shape.
func (a Account) Profile() authstore.Profile {
	return authstore.Profile{
		ID:          a.ID,
		FullName:    a.FullName,
		Email:       a.Email,
		Role:        a.Role,
		BadgeNumber: a.BadgeNumber,
	}
}
