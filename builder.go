package viewgate

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Builder assembles a [Gate].
//
// A Builder is configured during initialization and consumed by a single Build call.
type Builder struct {
	config    Config
	profiles  []RoleProfile
	auditSink AuditSink
	logger    *slog.Logger
	now       func() time.Time

	built bool
}

// New returns a Builder holding [DefaultConfig] and no profiles.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithProfile registers a role profile. When no profile is registered, Build registers
// [PatientProfile] and [SpecialistProfile].
func (b *Builder) WithProfile(p RoleProfile) *Builder {
	b.profiles = append(b.profiles, p)
	return b
}

// WithAuditSink sets the destination for audit events. It only takes effect when
// Config.Audit.Enabled is true.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the logger for store failures and cleanup diagnostics. The default
// discards everything.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetricsEnabled toggles Config.Metrics.Enabled.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles Config.Metrics.EnableLatencyHistograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) withClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and profiles and returns a ready Gate.
//
// Build fails on a second call, on an invalid Config, on an invalid profile, and when two
// profiles share a name.
func (b *Builder) Build() (*Gate, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	profiles := b.profiles
	if len(profiles) == 0 {
		profiles = []RoleProfile{PatientProfile(), SpecialistProfile()}
	}

	registered := make(map[string]RoleProfile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := registered[p.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateProfile, p.Name)
		}
		registered[p.Name] = p
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	g := &Gate{
		config:   cfg,
		profiles: registered,
		metrics:  NewMetrics(cfg.Metrics),
		audit:    newAuditor(cfg.Audit, b.auditSink, b.now),
		logger:   logger,
		routers:  make(map[*Router]struct{}),
	}

	b.built = true
	return g, nil
}
