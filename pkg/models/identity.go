package models

import "time"

// User is the identity attached to a connection once a bearer token or
// API key has been validated. The gateway treats authentication as an
// external concern: it only needs enough identity to stamp session
// ownership and audit log lines, not a full account record.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
