// Package idgen generates short, URL-safe process instance ids backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// InstancePrefix is prepended to every instance id.
const InstancePrefix = "inst-"

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 12

// InstanceID returns a new id for one running process. It distinguishes
// restarts of the same node in an event's origin.
func InstanceID() (string, error) {
	return WithPrefix(InstancePrefix)
}

// MustInstanceID is InstanceID for process startup, where a failing
// random source is unrecoverable.
func MustInstanceID() string {
	id, err := InstanceID()
	if err != nil {
		panic(err)
	}
	return id
}

// WithPrefix returns a new unique id with the given prefix.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
