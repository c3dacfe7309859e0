package client

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ThreadGenerator produces the token that groups every packet of one session.
type ThreadGenerator func() string

// UUIDThread returns a random (version 4) UUID without dashes.
func UUIDThread() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// LegacyThread reproduces the token format older peers produce: two random
// integers, the time in milliseconds and the process id, concatenated.
// Two processes may still produce the same token; Client only rules out
// duplicates among its own live sessions.
func LegacyThread() string {
	return fmt.Sprintf("%d%d%d%d", int32(rand.Uint32()), int32(rand.Uint32()), time.Now().UnixMilli(), os.Getpid())
}
