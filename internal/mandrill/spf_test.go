package mandrill

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSPFPolicy_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy SPFPolicy
		spf    *SPFResult
		want   bool
	}{
		{name: "pass", policy: DefaultSPFPolicy(), spf: &SPFResult{Result: "pass"}, want: true},
		{name: "neutral", policy: DefaultSPFPolicy(), spf: &SPFResult{Result: "neutral"}, want: true},
		{name: "none", policy: DefaultSPFPolicy(), spf: &SPFResult{Result: "none"}, want: true},
		{name: "fail", policy: DefaultSPFPolicy(), spf: &SPFResult{Result: "fail"}, want: false},
		{name: "softfail", policy: DefaultSPFPolicy(), spf: &SPFResult{Result: "softfail"}, want: false},
		{name: "missing record", policy: DefaultSPFPolicy(), spf: nil, want: false},
		{name: "empty record", policy: DefaultSPFPolicy(), spf: &SPFResult{}, want: false},
		{
			name:   "empty record with empty string whitelisted",
			policy: SPFPolicy{Validate: true, Whitelist: []string{""}},
			spf:    &SPFResult{},
			want:   false,
		},
		{name: "validation disabled", policy: SPFPolicy{Validate: false}, spf: nil, want: true},
		{name: "validation disabled with fail", policy: SPFPolicy{Validate: false}, spf: &SPFResult{Result: "fail"}, want: true},
		{
			name:   "custom whitelist",
			policy: SPFPolicy{Validate: true, Whitelist: []string{"softfail"}},
			spf:    &SPFResult{Result: "softfail"},
			want:   true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := &InboundMessage{SPF: tt.spf}
			assert.Equal(t, tt.want, tt.policy.Valid(msg))
		})
	}
}

func TestSPFPolicy_Merge(t *testing.T) {
	t.Parallel()

	off := false

	t.Run("empty override keeps defaults", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, DefaultSPFPolicy(), DefaultSPFPolicy().Merge(SPFOverride{}))
	})

	t.Run("validate only", func(t *testing.T) {
		t.Parallel()
		got := DefaultSPFPolicy().Merge(SPFOverride{Validate: &off})
		assert.False(t, got.Validate)
		assert.Equal(t, []string{"pass", "neutral", "none"}, got.Whitelist)
	})

	t.Run("whitelist only", func(t *testing.T) {
		t.Parallel()
		got := DefaultSPFPolicy().Merge(SPFOverride{Whitelist: []string{"pass"}})
		assert.True(t, got.Validate)
		assert.Equal(t, []string{"pass"}, got.Whitelist)
	})

	t.Run("empty whitelist replaces", func(t *testing.T) {
		t.Parallel()
		got := DefaultSPFPolicy().Merge(SPFOverride{Whitelist: []string{}})
		assert.Empty(t, got.Whitelist)
		assert.False(t, got.Valid(&InboundMessage{SPF: &SPFResult{Result: "pass"}}))
	})

	t.Run("base is not mutated", func(t *testing.T) {
		t.Parallel()
		base := DefaultSPFPolicy()
		merged := base.Merge(SPFOverride{})
		merged.Whitelist[0] = "changed"
		assert.Equal(t, "pass", base.Whitelist[0])
	})
}
