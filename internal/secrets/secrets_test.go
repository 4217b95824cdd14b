package secrets

import (
	"context"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	values map[string]string
}

func newMemStore() *memStore { return &memStore{values: map[string]string{}} }

func (m *memStore) LoadSecret(_ context.Context, owner string) (string, bool, error) {
	v, ok := m.values[owner]
	return v, ok, nil
}

func (m *memStore) SaveSecret(_ context.Context, owner, secret string) error {
	m.values[owner] = secret
	return nil
}

func TestResolveCandidateMatchesStored(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.values["db1"] = "Xyz.123"

	got, err := NewManager(st, 32).Resolve(ctx, "db1", "Xyz.123")
	require.NoError(t, err)
	assert.Equal(t, "Xyz.123", got)
}

func TestResolveCandidatePersistedWhenNothingStored(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := NewManager(st, 32)

	got, err := m.Resolve(ctx, "db1", "Abc.999")
	require.NoError(t, err)
	assert.Equal(t, "Abc.999", got)
	assert.Equal(t, "Abc.999", st.values["db1"])

	// Idempotent: same candidate resolves identically on the next run.
	again, err := m.Resolve(ctx, "db1", "Abc.999")
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestResolveReturnsStoredWhenNoCandidate(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.values["db1"] = "Stored.111"

	got, err := NewManager(st, 32).Resolve(ctx, "db1", "")
	require.NoError(t, err)
	assert.Equal(t, "Stored.111", got)
}

func TestResolveConflictIsFatal(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := NewManager(st, 32)

	_, err := m.Resolve(ctx, "db1", "First.123")
	require.NoError(t, err)

	_, err = m.Resolve(ctx, "db1", "Other.456")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "First.123", st.values["db1"], "stored secret must not be overwritten")
}

func TestResolveGeneratesOnceAndReusesIt(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := NewManager(st, 64)

	first, err := m.Resolve(ctx, "db1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := m.Resolve(ctx, "db1", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGeneratePolicy(t *testing.T) {
	for i := 0; i < 20; i++ {
		pw, err := Generate(64)
		require.NoError(t, err)

		raw := strings.ReplaceAll(pw, ".", "")
		assert.GreaterOrEqual(t, len(raw), 64)

		var lower, upper bool
		digits := 0
		for _, c := range raw {
			switch {
			case unicode.IsLower(c):
				lower = true
			case unicode.IsUpper(c):
				upper = true
			case unicode.IsDigit(c):
				digits++
			}
			assert.NotContains(t, "0Ol", string(c), "ambiguous characters are excluded")
		}
		assert.True(t, lower, "needs a lowercase letter")
		assert.True(t, upper, "needs an uppercase letter")
		assert.GreaterOrEqual(t, digits, 3, "needs three digits")
	}
}

func TestGenerateRaisesShortLengths(t *testing.T) {
	pw, err := Generate(1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(strings.ReplaceAll(pw, ".", "")), MinLength)
}
