//go:build !linux

// ABOUTME: MPRIS stub for platforms without a D-Bus session bus
// ABOUTME: NewMPRIS always fails with ErrMPRISUnsupported
package control

import (
	"context"

	"github.com/rs/zerolog"
)

// MPRIS is unavailable on this platform
type MPRIS struct{}

// NewMPRIS reports that MPRIS is unsupported
func NewMPRIS(engine Engine, config Config, logger zerolog.Logger) (*MPRIS, error) {
	return nil, ErrMPRISUnsupported
}

// Run returns immediately
func (m *MPRIS) Run(ctx context.Context) error { return nil }

// Close does nothing
func (m *MPRIS) Close() error { return nil }
