package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := ClientConfig{
		ReconnectDelay:      100 * time.Millisecond,
		ReconnectMaxDelay:   time.Second,
		ReconnectMultiplier: 2,
	}.normalize()
	b := newBackoff(cfg)
	b.jitter = func(d time.Duration) time.Duration { return d }

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoff_JitterStaysInUpperHalf(t *testing.T) {
	cfg := ClientConfig{ReconnectDelay: 80 * time.Millisecond, ReconnectMaxDelay: 80 * time.Millisecond}.normalize()
	b := newBackoff(cfg)
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 40*time.Millisecond)
		assert.Less(t, d, 80*time.Millisecond)
	}
}

func TestClientConfig_Normalize(t *testing.T) {
	cfg := ClientConfig{ReconnectDelay: time.Minute, ReconnectMax: -1, HeartbeatInterval: 5 * time.Second}.normalize()
	def := DefaultClientConfig()

	assert.Equal(t, time.Minute, cfg.ReconnectMaxDelay, "max delay never undercuts the base delay")
	assert.Equal(t, 0, cfg.ReconnectMax)
	assert.Equal(t, 20*time.Second, cfg.ReadTimeout)
	assert.Equal(t, def.ReconnectMultiplier, cfg.ReconnectMultiplier)
	assert.Equal(t, def.SubmitTimeout, cfg.SubmitTimeout)
	assert.Equal(t, def.HandshakeTimeout, cfg.HandshakeTimeout)
}
