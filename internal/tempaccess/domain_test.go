package tempaccess

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyMatches(t *testing.T) {
	policy := AccessPolicy{
		MaxDuration:          8 * time.Hour,
		PermissionCategories: []string{"grades", "enrollments"},
		IsActive:             true,
	}

	tests := []struct {
		name      string
		resources []string
		duration  time.Duration
		want      bool
	}{
		{"covered category", []string{"grades"}, time.Hour, true},
		{"one of several covered", []string{"courses", "enrollments"}, time.Hour, true},
		{"uncovered category", []string{"courses"}, time.Hour, false},
		{"duration at limit", []string{"grades"}, 8 * time.Hour, true},
		{"duration over limit", []string{"grades"}, 8*time.Hour + time.Minute, false},
		{"no resources", nil, time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, policy.Matches(tt.resources, tt.duration))
		})
	}

	inactive := policy
	inactive.IsActive = false
	require.False(t, inactive.Matches([]string{"grades"}, time.Hour))

	wildcard := policy
	wildcard.PermissionCategories = []string{"*"}
	require.True(t, wildcard.Matches([]string{"anything"}, time.Hour))
}

func TestPolicyAutoApproves(t *testing.T) {
	policy := AccessPolicy{AutoApproveThreshold: time.Hour}

	require.True(t, policy.AutoApproves(UrgencyEmergency, 30*time.Minute))
	require.True(t, policy.AutoApproves(UrgencyEmergency, time.Hour))
	require.False(t, policy.AutoApproves(UrgencyEmergency, time.Hour+time.Minute))
	// High urgency is not emergency, however short the request.
	require.False(t, policy.AutoApproves(UrgencyHigh, time.Minute))

	disabled := AccessPolicy{AutoApproveThreshold: 0}
	require.False(t, disabled.AutoApproves(UrgencyEmergency, time.Minute))
}

func TestGrantUsable(t *testing.T) {
	now := time.Now()
	base := TemporaryAccess{
		IsActive:   true,
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
	}

	require.True(t, base.Usable(now))

	revoked := base
	revoked.IsActive = false
	require.False(t, revoked.Usable(now))

	early := base
	early.ValidFrom = now.Add(time.Minute)
	require.False(t, early.Usable(now))

	expired := base
	expired.ValidUntil = now.Add(-time.Minute)
	require.False(t, expired.Usable(now))

	exhausted := base
	exhausted.MaxUsage = 2
	exhausted.UsageCount = 2
	require.False(t, exhausted.Usable(now))
	require.True(t, exhausted.UsageExhausted())

	// Unbounded grants never exhaust.
	unbounded := base
	unbounded.UsageCount = 10
	require.True(t, unbounded.Usable(now))
}
