// Package session provides the process-lifetime session token clients use
// to detect a server restart. All job state is in-memory, so a new token
// means every previously issued job id is gone.
package session

import "github.com/google/uuid"

// Token is an opaque identifier minted once per process.
type Token struct {
	id string
}

// New mints a fresh session token.
func New() Token {
	return Token{id: uuid.New().String()}
}

// String returns the token value.
func (t Token) String() string {
	return t.id
}
