// Package handlers provides the built-in task handlers for all five worker
// types. External concerns (feed retrieval, text generation, scoring,
// platform publishing, engagement metrics) are collaborator interfaces
// injected at construction, optionally guarded by a circuit breaker.
package handlers

import (
	"github.com/brandpulse/engine/internal/circuit"
)

// call runs fn under the breaker when one is configured.
func call(b *circuit.Breaker, fn func() error) error {
	if b == nil {
		return fn()
	}
	return b.Execute(fn)
}
