package domain

import "time"

// User is the single account the service will ever hold.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
