// Package events wires job lifecycle publishing. The broker-backed
// implementation lives in the redpanda subpackage; Noop serves deployments
// that configure no brokers.
package events

import "github.com/fairyhunter13/gpu-dispatch/internal/domain"

// Noop discards events.
type Noop struct{}

// Publish drops the event.
func (Noop) Publish(domain.Context, domain.JobEvent) error { return nil }

// Close is a no-op.
func (Noop) Close() error { return nil }
