package models

import "github.com/golang-jwt/jwt/v5"

// Claims are the JWT claims issued by the auth collaborator. The core trusts
// the player identifier it is given and never authenticates itself.
type Claims struct {
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
