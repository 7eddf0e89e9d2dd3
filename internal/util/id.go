package util

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally prefixed ("sess_…").
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewClientID returns a random replica id. It stays within 53 bits so
// JavaScript peers can read it as a number.
func NewClientID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	id := binary.BigEndian.Uint64(b[:]) & (1<<53 - 1)
	if id == 0 {
		return 1
	}
	return id
}
