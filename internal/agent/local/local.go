// Package local provides self-contained collaborator implementations for
// the built-in handlers. They stand in for external services (feed
// aggregators, text models, review services, platform APIs) so a complete
// pipeline can run on a single box. Deployments with real integrations plug
// them in behind the same interfaces and leave this package unused.
package local

import (
	"hash/fnv"
	"io"
	"math/rand"
)

// seeded returns a rand source derived from the given parts, so synthetic
// output is stable for the same inputs.
func seeded(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, p := range parts {
		io.WriteString(h, p)
		io.WriteString(h, "\x00")
	}
	return rand.New(rand.NewSource(int64(h.Sum64())))
}
