package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitOpensAfterTrip(t *testing.T) {
	t.Parallel()

	c := newCircuit(3)
	now := time.Unix(1_700_000_000, 0)

	c.record(now, true)
	c.record(now, true)
	assert.True(t, c.until(now).IsZero(), "below trip stays closed")

	c.record(now, true)
	assert.Equal(t, now.Add(5*time.Second), c.until(now))

	c.record(now, true)
	assert.Equal(t, now.Add(10*time.Second), c.until(now), "cooldown doubles")

	c.record(now, false)
	assert.True(t, c.until(now).IsZero(), "success closes")
}

func TestCircuitCooldownCapped(t *testing.T) {
	t.Parallel()

	c := newCircuit(1)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 20; i++ {
		c.record(now, true)
	}
	assert.Equal(t, now.Add(2*time.Minute), c.until(now))
}

func TestCircuitResetsWhenStale(t *testing.T) {
	t.Parallel()

	c := newCircuit(2)
	now := time.Unix(1_700_000_000, 0)
	c.record(now, true)
	c.record(now.Add(10*time.Minute), true)
	assert.True(t, c.until(now.Add(10*time.Minute)).IsZero())
}

func TestCircuitDisabled(t *testing.T) {
	t.Parallel()

	var c *circuit = newCircuit(-1)
	c.record(time.Now(), true)
	assert.True(t, c.until(time.Now()).IsZero())
}
