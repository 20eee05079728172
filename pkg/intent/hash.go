package intent

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/chazu/knurl/pkg/engine"
)

// Hash computes the content address of an operation sequence. The
// serialization is canonical: operations in order, each as its type plus
// its JSON-encoded payload (object keys sorted by the encoder), separated
// by NUL bytes. Two intents that compile to the same sequence hash
// identically regardless of source formatting.
func Hash(ops []engine.Operation) (string, error) {
	h := xxhash.New()
	for _, op := range ops {
		h.WriteString(string(op.Type))
		h.Write([]byte{0})
		raw, err := json.Marshal(op.Payload)
		if err != nil {
			return "", fmt.Errorf("serialize %s payload: %w", op.Type, err)
		}
		h.Write(raw)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// GeometryID returns the cache id for a sequence hash.
func GeometryID(hash string) string {
	return "intent-" + hash
}
