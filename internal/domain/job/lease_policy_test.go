package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(LeasePolicyOptions{Default: 30 * time.Second})
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, policy.Default())
	})

	t.Run("invalid default lease", func(t *testing.T) {
		policy, err := NewLeasePolicy(LeasePolicyOptions{})
		require.ErrorIs(t, err, ErrInvalidDefaultLease)
		assert.Nil(t, policy)
	})

	t.Run("max below default is raised to default", func(t *testing.T) {
		policy, err := NewLeasePolicy(LeasePolicyOptions{Default: 30 * time.Second, Max: 10 * time.Second})
		require.NoError(t, err)

		decision := policy.Resolve(time.Minute)
		assert.Equal(t, 30, decision.Seconds)
		assert.True(t, decision.Clamped())
	})
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(LeasePolicyOptions{Default: 30 * time.Second, Max: 10 * time.Minute})
	require.NoError(t, err)

	t.Run("explicit duration uses whole seconds", func(t *testing.T) {
		decision := policy.Resolve(45 * time.Second)
		assert.Equal(t, 45, decision.Seconds)
		assert.Equal(t, LeaseSourceExplicit, decision.Source)
		assert.Equal(t, 45*time.Second, decision.Duration())
		assert.False(t, decision.Clamped())
	})

	t.Run("zero request falls back to default", func(t *testing.T) {
		decision := policy.Resolve(0)
		assert.Equal(t, 30, decision.Seconds)
		assert.Equal(t, LeaseSourceDefault, decision.Source)
		assert.True(t, decision.UsedDefault())
	})

	t.Run("sub-second request clamps to one second", func(t *testing.T) {
		decision := policy.Resolve(500 * time.Millisecond)
		assert.Equal(t, 1, decision.Seconds)
		assert.Equal(t, LeaseSourceClamped, decision.Source)
	})

	t.Run("negative request clamps to one second", func(t *testing.T) {
		decision := policy.Resolve(-5 * time.Second)
		assert.Equal(t, 1, decision.Seconds)
		assert.True(t, decision.Clamped())
	})

	t.Run("request above max clamps to max", func(t *testing.T) {
		decision := policy.Resolve(time.Hour)
		assert.Equal(t, 600, decision.Seconds)
		assert.Equal(t, LeaseSourceClamped, decision.Source)
	})

	t.Run("fractional seconds round down", func(t *testing.T) {
		decision := policy.Resolve(1500 * time.Millisecond)
		assert.Equal(t, 1, decision.Seconds)
		assert.Equal(t, LeaseSourceExplicit, decision.Source)
	})
}
