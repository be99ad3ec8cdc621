package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/alert"
	"polymarket-monitor/internal/config"
)

// Email is a stub channel. It reports disabled until SMTP settings are
// configured and, even then, declines delivery; the seam exists so an
// SMTP implementation can drop in without touching the dispatcher.
type Email struct {
	cfg config.EmailConfig
}

// NewEmail builds the stub.
func NewEmail(cfg config.EmailConfig) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Enabled() bool {
	return e.cfg.Enabled && e.cfg.SMTPHost != "" && len(e.cfg.To) > 0
}

// Send is not implemented; it logs once per call and reports failure so
// the dispatcher's fan-out accounting stays honest.
func (e *Email) Send(_ context.Context, f *alert.Formatted) bool {
	log.Debug().Str("type", string(f.Alert.Type)).Msg("email channel configured but not implemented")
	return false
}
