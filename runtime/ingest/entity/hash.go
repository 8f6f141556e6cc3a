package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// unstablePayloadKeys are payload fields excluded from content hashing.
// They change across jobs or after destination writes without the entity's
// content itself changing.
var unstablePayloadKeys = map[string]struct{}{
	"sync_job_id":   {},
	"db_entity_id":  {},
	"vector":        {},
	"local_path":    {},
	"sync_metadata": {},
}

// stableView assembles the hash input: identity, ancestry, and the payload
// minus unstable fields. SyncJobID never participates, so an entity
// re-encountered by a later job hashes identically.
func (e *Entity) stableView() map[string]any {
	payload := make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		if _, skip := unstablePayloadKeys[k]; skip {
			continue
		}
		payload[k] = v
	}
	return map[string]any{
		"entity_id":        e.EntityID,
		"entity_type":      e.Type,
		"breadcrumbs":      e.Breadcrumbs,
		"parent_entity_id": e.ParentEntityID,
		"payload":          payload,
	}
}

// ContentHash returns the entity's versioning key: a SHA-256 digest over
// the canonical JSON encoding of the stable view. encoding/json writes map
// keys in sorted order at every nesting level, which makes the encoding
// canonical for map-shaped payloads.
func (e *Entity) ContentHash() (string, error) {
	return hashView(e.stableView())
}

func hashView(view map[string]any) (string, error) {
	raw, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("hash entity: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
