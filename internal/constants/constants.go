package constants

import "time"

// Ops Server Constants
const (
	// DefaultAPIHost is the default ops server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default ops server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20
)

// RPC Constants
const (
	// DefaultRPCTimeout bounds every remote ledger call
	DefaultRPCTimeout = 30 * time.Second

	// DefaultCommitment is the commitment level used for all reads
	DefaultCommitment = "confirmed"

	// DefaultRequestsPerSecond is the client-side rate limit per endpoint
	DefaultRequestsPerSecond = 10

	// DefaultRequestBurst is the client-side burst allowance per endpoint
	DefaultRequestBurst = 20

	// MaxSignaturePageSize is the largest page getSignaturesForAddress accepts
	MaxSignaturePageSize = 1000
)

// Indexer Constants
const (
	// DefaultBatchSize is the maximum number of slots covered by one tick
	DefaultBatchSize = 100

	// DefaultPollInterval is the sleep between ticks once the cursor reaches the head
	DefaultPollInterval = 1 * time.Second

	// DefaultErrorBackoff is the sleep after a failed tick
	DefaultErrorBackoff = 5 * time.Second

	// DefaultMaxRetries is the retry ceiling for transient remote failures
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay is multiplied by 2^attempt between retries
	DefaultRetryBaseDelay = 1 * time.Second

	// DefaultSignaturePageSize is the page size used when listing signatures
	DefaultSignaturePageSize = 1000

	// DefaultFetchConcurrency is the number of programs fetched in parallel
	DefaultFetchConcurrency = 4

	// DefaultMaxLag is the cursor age after which /health reports unhealthy
	DefaultMaxLag = 5 * time.Minute

	// DefaultApplyTimeout bounds a single unit of work
	DefaultApplyTimeout = 30 * time.Second

	// DefaultOutboxDrainLimit caps pending transactions replayed per tick
	DefaultOutboxDrainLimit = 500

	// DefaultMaxApplyAttempts is the number of failed applies after which a
	// pending transaction is dead-lettered
	DefaultMaxApplyAttempts = 5
)

// Storage Constants
const (
	// DefaultMinConns is the minimum number of pooled connections
	DefaultMinConns = 2

	// DefaultMaxConns is the maximum number of pooled connections
	DefaultMaxConns = 10

	// DefaultConnMaxLifetime is the maximum lifetime of a pooled connection
	DefaultConnMaxLifetime = 1 * time.Hour

	// DefaultConnMaxIdleTime is the maximum idle time of a pooled connection
	DefaultConnMaxIdleTime = 30 * time.Minute
)

// Lease Constants
const (
	// DefaultLeaseKey is the redis key holding the poller lease
	DefaultLeaseKey = "crowdfund-indexer:poller"

	// DefaultLeaseTTL is how long a lease survives without renewal
	DefaultLeaseTTL = 15 * time.Second

	// MinLeaseTTL keeps the refresh interval (a third of the TTL) at one
	// second or more
	MinLeaseTTL = 3 * time.Second
)

// Time Constants
const (
	// SecondsPerDay converts ledger second timestamps into wallet age days
	SecondsPerDay = 86400
)
