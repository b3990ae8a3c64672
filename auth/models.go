package auth

import "time"

type Role string

const (
	RoleParty   Role = "party"
	RoleArbiter Role = "arbiter"
	RoleAdmin   Role = "admin"
)

// Principal is an account allowed to call the API. Its ID is the party,
// arbiter or admin id the protocol sees as caller.
type Principal struct {
	ID         string
	SecretHash string
	Role       Role
	CreatedAt  time.Time
}

// RegisterRequest contains the credentials a caller signs up with.
type RegisterRequest struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
	Role   Role   `json:"role"`
}

// LoginRequest exchanges a secret for a bearer token.
type LoginRequest struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}
