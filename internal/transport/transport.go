// Package transport models the enclave's postMessage-style RPC
// envelope as plain Go types: a Request frame in, a Response frame
// out, correlated by ID, with an origin check on each side. The real
// browser postMessage wiring is out of this repository's scope — this
// package is the interface the core requires of it.
package transport

import (
	"encoding/json"

	"github.com/ats-kms/enclave/internal/rpcerr"
)

// Request is one inbound RPC call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the reply to a Request, carrying exactly one of Result
// or Error.
type Response struct {
	ID     string        `json:"id"`
	Result any           `json:"result,omitempty"`
	Error  *rpcerr.Error `json:"error,omitempty"`
}

// OriginValidator reports whether a request's claimed origin is
// permitted to reach this worker. The orchestrator rejects a request
// before dispatch if this returns false.
type OriginValidator func(origin string) bool

// AllowOrigins builds an OriginValidator that permits exactly the
// listed origins.
func AllowOrigins(origins ...string) OriginValidator {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		set[o] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := set[origin]
		return ok
	}
}
