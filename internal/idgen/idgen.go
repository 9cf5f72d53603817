// Package idgen generates and validates submission identifiers. The same
// string is the Mongo _id, the script file stem, and the callback token
// payload, so there is exactly one representation end to end.
package idgen

import (
	"fmt"
	"regexp"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefix is prepended to every submission ID.
const Prefix = "sub-"

// Alphabet defines the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 12

var validID = regexp.MustCompile(`^` + regexp.QuoteMeta(Prefix) + `[a-zA-Z0-9]{` + fmt.Sprint(Length) + `}$`)

// NewSubmissionID returns a fresh submission identifier.
func NewSubmissionID() (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return Prefix + id, nil
}

// Valid reports whether id has the shape NewSubmissionID produces.
func Valid(id string) bool {
	return validID.MatchString(id)
}
