package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHash maps a service name to a domain on a hash ring, so every
// session for the same service lands on the same domain while the domain list
// is unchanged. Each domain owns replicas virtual nodes for an even spread.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │  service ◆──► │   (clockwise to nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
type ConsistentHash struct {
	replicas int

	mu    sync.Mutex
	key   string            // domain list the ring was built from
	ring  []uint32          // sorted hash values
	nodes map[uint32]string // hash value → domain
}

// NewConsistentHash creates a ring with 100 virtual nodes per domain.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{replicas: 100}
}

func (b *ConsistentHash) build(domains []string) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(domains)*b.replicas)
	for _, d := range domains {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", d, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = d
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick hashes service and returns the first ring node at or after it, wrapping around.
func (b *ConsistentHash) Pick(service string, domains []string) (string, error) {
	if len(domains) == 0 {
		return "", ErrNoDomains
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if key := strings.Join(domains, "\x00"); key != b.key || b.nodes == nil {
		b.build(domains)
		b.key = key
	}

	hash := crc32.ChecksumIEEE([]byte(service))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHash) Name() string {
	return "ConsistentHash"
}
