// Package secrets manages the per-object archive password across repeated
// runs. The stored value is the only way to decrypt prior archives, so the
// lifecycle never overwrites an existing secret with a conflicting one.
package secrets

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// ErrConflict is returned when a caller-supplied password disagrees with the
// stored one. Auto-resolving either way would strand data encrypted under
// the losing secret.
var ErrConflict = errors.New("supplied archive password does not match stored password")

// Visually ambiguous characters are excluded from generated passwords.
const alphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHIJKLMNPQRSTUVWXYZ123456789"

const (
	// MinLength is the floor for generated passwords.
	MinLength = 16
	// groupSize is the run length between '.' separators in generated
	// passwords.
	groupSize = 4
)

// Store persists one encrypted secret per owning entity.
type Store interface {
	// LoadSecret returns the decrypted secret for owner, or ok=false when
	// none is stored.
	LoadSecret(ctx context.Context, owner string) (secret string, ok bool, err error)
	// SaveSecret persists the secret encrypted under the store's key.
	SaveSecret(ctx context.Context, owner, secret string) error
}

// Manager resolves archive passwords against a Store.
type Manager struct {
	store  Store
	length int
}

// NewManager returns a Manager generating passwords of the given length.
// Lengths below MinLength are raised to it.
func NewManager(store Store, length int) *Manager {
	if length < MinLength {
		length = MinLength
	}
	return &Manager{store: store, length: length}
}

// Resolve reconciles a caller-supplied candidate with the stored secret:
//
//	candidate set,   stored set,   equal     -> candidate
//	candidate set,   stored absent           -> persist candidate, return it
//	candidate absent, stored set             -> stored
//	candidate absent, stored absent          -> generate, persist, return
//	candidate set,   stored set,   differ    -> ErrConflict
func (m *Manager) Resolve(ctx context.Context, owner, candidate string) (string, error) {
	stored, ok, err := m.store.LoadSecret(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("load secret for %s: %w", owner, err)
	}

	switch {
	case candidate != "" && ok:
		if candidate != stored {
			return "", fmt.Errorf("owner %s: %w", owner, ErrConflict)
		}
		return candidate, nil
	case candidate != "":
		if err := m.store.SaveSecret(ctx, owner, candidate); err != nil {
			return "", fmt.Errorf("save secret for %s: %w", owner, err)
		}
		return candidate, nil
	case ok:
		return stored, nil
	}

	generated, err := Generate(m.length)
	if err != nil {
		return "", err
	}
	if err := m.store.SaveSecret(ctx, owner, generated); err != nil {
		return "", fmt.Errorf("save secret for %s: %w", owner, err)
	}
	return generated, nil
}

// Generate produces a high-entropy password of length random characters,
// grouped in runs of four joined by '.' for operator readability. The result
// always contains at least one lowercase letter, one uppercase letter, and
// three digits.
func Generate(length int) (string, error) {
	if length < MinLength {
		length = MinLength
	}
	for {
		raw, err := randomString(length)
		if err != nil {
			return "", err
		}
		if !meetsPolicy(raw) {
			continue
		}
		var groups []string
		for i := 0; i < len(raw); i += groupSize {
			end := i + groupSize
			if end > len(raw) {
				end = len(raw)
			}
			groups = append(groups, raw[i:end])
		}
		return strings.Join(groups, "."), nil
	}
}

func randomString(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}

func meetsPolicy(s string) bool {
	var lower, upper bool
	digits := 0
	for _, c := range s {
		switch {
		case unicode.IsLower(c):
			lower = true
		case unicode.IsUpper(c):
			upper = true
		case unicode.IsDigit(c):
			digits++
		}
	}
	return lower && upper && digits >= 3
}
