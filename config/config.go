// Package config defines the shape of the chat core's runtime
// configuration. The core never loads a file, flag set, or environment
// itself — an embedding application builds a Config however it likes and
// passes it to the constructors in each package.
package config

import "time"

// Config bundles everything the chat core needs to start: where its
// store lives, which servers it talks to, and the tunable knobs called
// out by the specification (ratchet tolerance, outbound backoff, debounce
// windows).
type Config struct {
	// StorePath is the SQLite database file path. ":memory:" is valid for
	// tests but loses the process-wide advisory lock's meaning.
	StorePath string
	// LockPath is the advisory lock file path guarding StorePath across
	// processes. Defaults to StorePath + ".lock" if empty.
	LockPath string

	AS ServerEndpoint
	DS ServerEndpoint
	QS ServerEndpoint

	Ratchet  RatchetConfig
	Outbound OutboundConfig
}

// ServerEndpoint is the base URL and timeout for one of the three
// federated services (AS/DS/QS).
type ServerEndpoint struct {
	BaseURL string
	Timeout time.Duration
	// VerifyKey is the service's ed25519 response-signing key, raw
	// 32-byte form. Currently only consulted by the DS client, which
	// requires and verifies a detached-JWS signature over
	// connection_group_info/welcome_info responses when set; left nil,
	// those responses are trusted unsigned (dev/test default).
	VerifyKey []byte
}

// RatchetConfig tunes the queue ratchet's tolerance window (§4.3).
type RatchetConfig struct {
	MaximumForwardDistance uint64
	OutOfOrderTolerance    uint64
}

// OutboundConfig tunes the outbound worker's retry/backoff and debounce
// behavior (§4.7, Open Question (a)).
type OutboundConfig struct {
	ResyncBackoffBase   time.Duration
	ResyncBackoffFactor float64
	ResyncBackoffCap    time.Duration
	ResyncMaxAttempts   int

	ReceiptDebounce     time.Duration
	MarkAsReadDebounce  time.Duration
	ReadReceiptsEnabled bool

	KeyPackageUploadInterval time.Duration
	KeyPackageTargetCount    int

	// RetryRatePerSecond caps how often the worker is willing to retry a
	// failed resync/receipt/message item across an entire round, on top
	// of each item's own NotBefore backoff — a ceiling on retry traffic
	// toward AS/DS/QS during a thundering-herd recovery (many items
	// becoming due for retry at once), rather than a per-item pacing.
	RetryRatePerSecond float64
	RetryBurst         int
}

// Default returns a Config with the spec's suggested defaults, suitable
// as a starting point for an embedder that only wants to override
// StorePath and the three server endpoints.
func Default() Config {
	return Config{
		StorePath: "chatcore.db",
		Ratchet: RatchetConfig{
			MaximumForwardDistance: 100_000,
			OutOfOrderTolerance:    20,
		},
		Outbound: OutboundConfig{
			ResyncBackoffBase:        5 * time.Second,
			ResyncBackoffFactor:      2,
			ResyncBackoffCap:         10 * time.Minute,
			ResyncMaxAttempts:        10,
			ReceiptDebounce:          2 * time.Second,
			MarkAsReadDebounce:       500 * time.Millisecond,
			ReadReceiptsEnabled:      true,
			KeyPackageUploadInterval: 24 * time.Hour,
			KeyPackageTargetCount:    100,
			RetryRatePerSecond:       10,
			RetryBurst:               5,
		},
	}
}

// LockFilePath returns LockPath if set, else StorePath+".lock".
func (c Config) LockFilePath() string {
	if c.LockPath != "" {
		return c.LockPath
	}
	return c.StorePath + ".lock"
}
