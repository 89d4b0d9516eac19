package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// mockPolicyStore is a minimal in-memory PolicyGetter for testing.
type mockPolicyStore struct {
	policies map[string]*models.RestrictionPolicy
}

func newMockStore(pols ...*models.RestrictionPolicy) *mockPolicyStore {
	m := &mockPolicyStore{policies: map[string]*models.RestrictionPolicy{}}
	for _, p := range pols {
		m.policies[p.ID] = p
	}
	return m
}

func (m *mockPolicyStore) GetRestrictionPolicy(_ context.Context, id string) (*models.RestrictionPolicy, error) {
	if p, ok := m.policies[id]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func TestCheckNoPolicy(t *testing.T) {
	if err := Check(context.Background(), newMockStore(), "", "x"); err != nil {
		t.Errorf("expected no policy to pass, got %v", err)
	}
}

func TestCheckMissingPolicy(t *testing.T) {
	err := Check(context.Background(), newMockStore(), "nope", "x")
	if !errors.Is(err, vaulterr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCheckLength(t *testing.T) {
	pol := &models.RestrictionPolicy{ID: "p", Name: "len", MinLength: 8, MaxLength: 12}
	store := newMockStore(pol)
	ctx := context.Background()

	cases := []struct {
		password string
		ok       bool
	}{
		{"short", false},
		{"exactly8", true},
		{"twelve-chars", true},
		{"thirteen-char", false},
		{"ünïcödé!", true}, // counted in runes
	}
	for _, tc := range cases {
		err := Check(ctx, store, "p", tc.password)
		if tc.ok && err != nil {
			t.Errorf("password=%q: expected ok, got %v", tc.password, err)
		}
		if !tc.ok && !errors.Is(err, vaulterr.ErrWorkflow) {
			t.Errorf("password=%q: expected workflow violation, got %v", tc.password, err)
		}
	}
}

func TestViolationsCharacterClasses(t *testing.T) {
	pol := &models.RestrictionPolicy{MinLower: 2, MinUpper: 1, MinDigits: 2, MinSpecial: 1}

	if v := Violations(pol, "abC12!"); len(v) != 0 {
		t.Errorf("expected no violations, got %v", v)
	}
	v := Violations(pol, "abcdef")
	if len(v) != 3 {
		t.Errorf("expected 3 violations, got %v", v)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		pol  models.RestrictionPolicy
		ok   bool
	}{
		{"ok", models.RestrictionPolicy{Name: "p", MinLength: 8}, true},
		{"no name", models.RestrictionPolicy{MinLength: 8}, false},
		{"negative", models.RestrictionPolicy{Name: "p", MinDigits: -1}, false},
		{"max below min", models.RestrictionPolicy{Name: "p", MinLength: 8, MaxLength: 4}, false},
		{"classes exceed max", models.RestrictionPolicy{Name: "p", MaxLength: 2, MinUpper: 2, MinDigits: 1}, false},
	}
	for _, tc := range cases {
		err := validate(&tc.pol)
		if (err == nil) != tc.ok {
			t.Errorf("%s: expected ok=%v, got %v", tc.name, tc.ok, err)
		}
	}
}
