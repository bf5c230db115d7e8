package domain

import "strings"

// Role values carried on users.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// User is the projection of a users row the core needs.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	Locked   bool   `json:"locked"`
}

// Actor is the explicit identity every engine call acts on behalf of.
// It is resolved once at the API boundary.
type Actor struct {
	UserID   int64
	Username string
	Role     string
	Locked   bool
	ClientIP string
}

// NewActor builds an Actor for user, tagging it with the caller's IP.
func NewActor(user *User, clientIP string) Actor {
	return Actor{
		UserID:   user.ID,
		Username: user.Username,
		Role:     strings.ToUpper(strings.TrimSpace(user.Role)),
		Locked:   user.Locked,
		ClientIP: clientIP,
	}
}

// IsPrivileged reports whether the actor holds the administrative capability.
func (a Actor) IsPrivileged() bool {
	return strings.EqualFold(a.Role, RoleAdmin)
}

// SystemActor is used by background jobs.
func SystemActor() Actor {
	return Actor{Username: "system", Role: RoleAdmin}
}
