package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults (can be overridden by env, see LoadConfigFromEnv).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limits (frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
