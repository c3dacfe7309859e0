// Package loadbalance chooses which configured domain a new session routes through.
//
// Three strategies are implemented:
//   - First:           always the first domain (single-domain deployments)
//   - RoundRobin:      spread new sessions evenly over all domains
//   - ConsistentHash:  pin each service name to one domain
package loadbalance

import "errors"

var ErrNoDomains = errors.New("no domains available")

// Picker selects one domain for a session bound to service.
// Called once per session bootstrap; must be goroutine-safe.
type Picker interface {
	Pick(service string, domains []string) (string, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// First always picks domains[0].
type First struct{}

func (First) Pick(service string, domains []string) (string, error) {
	if len(domains) == 0 {
		return "", ErrNoDomains
	}
	return domains[0], nil
}

func (First) Name() string {
	return "First"
}
