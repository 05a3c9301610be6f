package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"
)

// parseKeySet indexes the keys of a JWKS document by key id. Keys that cannot
// be parsed or carry no kid are skipped; several keys may share one kid.
func parseKeySet(raw []byte, logger *slog.Logger) (map[string][]jose.JSONWebKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}

	index := make(map[string][]jose.JSONWebKey, len(doc.Keys))
	for _, rawKey := range doc.Keys {
		var key jose.JSONWebKey
		if err := key.UnmarshalJSON(rawKey); err != nil {
			logger.Warn("skipping unparsable key", "error", err)
			continue
		}
		if key.KeyID == "" {
			continue
		}
		index[key.KeyID] = append(index[key.KeyID], key)
	}
	return index, nil
}

func lookup(index map[string][]jose.JSONWebKey, keyID, alg string) (any, bool) {
	for _, key := range index[keyID] {
		if key.Algorithm == alg {
			return key.Key, true
		}
	}
	return nil, false
}
