package loadbalance

import "sync/atomic"

// RoundRobin cycles through domains in order using an atomic counter.
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Pick(service string, domains []string) (string, error) {
	if len(domains) == 0 {
		return "", ErrNoDomains
	}
	index := (b.counter.Add(1) - 1) % uint64(len(domains))
	return domains[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
