package websocket

import "time"

// ClientConfig controls dialing, reconnect and heartbeat behavior of the feed client.
type ClientConfig struct {
	URL                 string
	Token               string
	HandshakeTimeout    time.Duration
	ReconnectDelay      time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectMultiplier float64
	// ReconnectMax caps attempts after a drop; 0 retries for as long as the client lives.
	ReconnectMax      int
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SubmitTimeout     time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout:    10 * time.Second,
		ReconnectDelay:      1 * time.Second,
		ReconnectMaxDelay:   30 * time.Second,
		ReconnectMultiplier: 2.0,
		ReconnectMax:        0,
		HeartbeatInterval:   15 * time.Second,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
		SubmitTimeout:       10 * time.Second,
	}
}

func (c ClientConfig) normalize() ClientConfig {
	def := DefaultClientConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		c.ReconnectMaxDelay = c.ReconnectDelay
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = def.ReconnectMultiplier
	}
	if c.ReconnectMax < 0 {
		c.ReconnectMax = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = c.HeartbeatInterval * 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = def.SubmitTimeout
	}
	return c
}
