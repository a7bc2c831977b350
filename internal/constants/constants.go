package constants

import "time"

// Software identity reported by /health and the CLI.
const (
	SoftwareName = "broker"
	SoftwareURL  = "https://github.com/Shugur-Network/broker"
	DatabaseName = "broker"
)

// Wire limits not exposed through config.
const (
	MaxSubIDLength   = 64
	MinSubIDLength   = 1
	HexIDLength      = 64
	HexSigLength     = 128
	KindDirectMsg    = 4
	MaxNoticeDetails = 200
)

// Database operation constants
const (
	DefaultQueryPrealloc = 128
	MaxDBRetries         = 3
	DBRetryBaseDelay     = 100 * time.Millisecond
	DBConnectAttempts    = 5
	DBConnectBackoff     = 2 * time.Second

	// Pool sizes scale with the configured websocket connection ceiling.
	DBPoolSmallMaxConns  = 8
	DBPoolSmallMinConns  = 2
	DBPoolMediumMaxConns = 25
	DBPoolMediumMinConns = 5
	DBPoolLargeMaxConns  = 50
	DBPoolLargeMinConns  = 10
)

// Duration constants
const (
	DBConnMaxLifetime    = 60 * time.Minute
	DBConnMaxIdleTime    = 15 * time.Minute
	DBConnAcquireTimeout = 10 * time.Second
	DBQueryTimeout       = 5 * time.Second
	HealthCheckTimeout   = 5 * time.Second
)

// Bloom filter sizing for the duplicate fast path.
const (
	BloomExpectedItems = 10_000_000
	BloomFalsePositive = 0.01
)
