// Package id issues opaque, collision-resistant string identifiers.
//
// The protocol only requires uniqueness, not a specific format, so all
// generation lives here and stays swappable.
package id

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 identifier backed by a
// random UUID.
func NewID() (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(raw[:])), nil
}

// NewHandle returns an identifier of the form "<prefix>_<hex>", where hex is
// the first length characters of a random UUID. Used for wire-visible handles
// like message and peer ids.
func NewHandle(prefix string, length int) (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	encoded := hex.EncodeToString(raw[:])
	if length <= 0 || length > len(encoded) {
		length = len(encoded)
	}
	return prefix + "_" + encoded[:length], nil
}

// NewUUID returns a canonical random UUID string.
func NewUUID() (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return raw.String(), nil
}
