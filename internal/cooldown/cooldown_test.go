package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestFailActivatesCooldown(t *testing.T) {
	tr := New(zap.NewNop())
	assert.False(t, tr.Active())

	tr.Fail("timeout")
	assert.True(t, tr.Active())

	tr.Clear()
	assert.False(t, tr.Active())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.Fail("one")
	assert.Equal(t, now.Add(15*time.Second), tr.until)

	tr.Fail("two")
	assert.Equal(t, now.Add(30*time.Second), tr.until)

	for i := 0; i < 10; i++ {
		tr.Fail("more")
	}
	assert.Equal(t, now.Add(maxCooldown), tr.until, "backoff caps at the maximum")
}

func TestCooldownExpires(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.Fail("x")
	assert.True(t, tr.Active())

	now = now.Add(16 * time.Second)
	assert.False(t, tr.Active())
}
