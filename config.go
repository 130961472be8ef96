package viewgate

import (
	"errors"
	"time"
)

// Config is the full Gate configuration. Obtain one from [DefaultConfig], adjust fields,
// and pass it to [Builder.WithConfig]. A Config is copied at Build time; later edits do not
// affect a built Gate.
type Config struct {
	Router  RouterConfig
	Metrics MetricsConfig
	Audit   AuditConfig
}

/*
====================================
ROUTER CONFIG
====================================
*/

// RouterConfig tunes how routers read the session store.
type RouterConfig struct {
	// StoreTimeout bounds the store calls of one evaluation (Initialize or a change event).
	StoreTimeout time.Duration
	// SessionFlagTrueValue is the exact stored value that marks a session active.
	SessionFlagTrueValue string
	// SubscribeTimeout bounds establishing the change subscription in Start.
	SubscribeTimeout time.Duration
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig toggles counters and the evaluation latency histogram.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration used when the Builder is given none.
func DefaultConfig() Config {
	return Config{
		Router: RouterConfig{
			StoreTimeout:         2 * time.Second,
			SessionFlagTrueValue: "true",
			SubscribeTimeout:     5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
	}
}

// Validate rejects configurations a Gate cannot run with.
func (c *Config) Validate() error {
	if c.Router.StoreTimeout <= 0 {
		return errors.New("Router StoreTimeout must be > 0")
	}
	if c.Router.SubscribeTimeout <= 0 {
		return errors.New("Router SubscribeTimeout must be > 0")
	}
	if c.Router.SessionFlagTrueValue == "" {
		return errors.New("Router SessionFlagTrueValue must not be empty")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}
	return nil
}

// LintWarning is a non-fatal configuration finding.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of [Config.Lint].
type LintWarnings []LintWarning

// Codes lists the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// Lint reports settings that are valid but likely unintended.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings

	if c.Router.StoreTimeout > 10*time.Second {
		ws = append(ws, LintWarning{
			Code:    "store_timeout_long",
			Message: "StoreTimeout above 10s lets a slow store stall view selection",
		})
	}
	if c.Router.SessionFlagTrueValue != "true" {
		ws = append(ws, LintWarning{
			Code:    "flag_value_nonstandard",
			Message: "SessionFlagTrueValue differs from \"true\"; clients writing \"true\" will read as logged out",
		})
	}
	if c.Audit.Enabled && !c.Audit.DropIfFull {
		ws = append(ws, LintWarning{
			Code:    "audit_blocking",
			Message: "audit dispatcher blocks routers when its buffer is full",
		})
	}
	if !c.Audit.Enabled {
		ws = append(ws, LintWarning{
			Code:    "audit_disabled",
			Message: "session cleanups are not recorded",
		})
	}

	return ws
}
