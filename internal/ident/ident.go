// Package ident generates the opaque identifiers assigned to store-owned
// records (conversations, messages, artifacts, files, agents). Task IDs are
// host-assigned and never minted here.
package ident

import "github.com/google/uuid"

// New returns a collision-resistant opaque ID.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as an ID produced by New.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
