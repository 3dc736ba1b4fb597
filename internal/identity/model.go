package identity

import "time"

// User is a registered account holder. The e-mail is the identity every
// engine call is scoped by.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	TokenVersion int
	CreatedAt    time.Time
}

// Credentials request structure.
type Credentials struct {
	Email    string
	Password string
}
