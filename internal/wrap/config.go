package wrap

import (
	"math/rand"

	"receiptline/internal/sanitize"
)

// Receipt emission modes.
const (
	ModeAll        = "all"
	ModeErrorsOnly = "errors_only"
	ModeSample     = "sample"
)

// Config controls auto-receipting for one wrapped agent. The zero value is
// not useful; start from Default.
type Config struct {
	Enabled         bool
	Mode            string
	SampleRate      float64
	MaxPayloadBytes int
	FireAndForget   bool
	DryRun          bool
	RedactSecrets   bool
	SecretPatterns  []string

	// randFloat lets tests pin sampling decisions.
	randFloat func() float64
}

// Default returns the stock configuration: every call receipted, delivered
// fire-and-forget, secrets redacted, payloads capped at 4 KiB.
func Default() *Config {
	return &Config{
		Enabled:         true,
		Mode:            ModeAll,
		SampleRate:      1.0,
		MaxPayloadBytes: 4096,
		FireAndForget:   true,
		RedactSecrets:   true,
		SecretPatterns:  sanitize.DefaultSecretPatterns,
	}
}

// ShouldReceipt decides whether a finished call with the given status gets a
// receipt under this configuration.
func (c *Config) ShouldReceipt(status string) bool {
	if !c.Enabled {
		return false
	}
	switch c.Mode {
	case ModeErrorsOnly:
		return status == StatusError
	case ModeSample:
		f := c.randFloat
		if f == nil {
			f = rand.Float64
		}
		return f() < c.SampleRate
	default:
		return true
	}
}
