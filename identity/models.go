package identity

import "time"

type Role string

const (
	RoleParticipant Role = "participant"
	RoleOperator    Role = "operator"
)

// Account is the domain representation of an authenticated market
// participant. It mirrors the accounts table and carries no JSON annotations
// so it can be reused by different presentation layers.
type Account struct {
	ID           string
	Address      string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Address  string `json:"address"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
