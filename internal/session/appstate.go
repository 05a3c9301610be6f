package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	returnToField = "returnTo"
	nonceField    = "__nonce"
)

// AppState is the application state carried through a redirect round trip.
// ReturnTo tells the host where to resume; Extra holds any other string
// fields the caller wants back.
type AppState struct {
	ReturnTo string
	Extra    map[string]string
}

// encodeState serializes appState and the state nonce into the value of the
// state query parameter: standard base64 of a flat JSON object.
func encodeState(appState AppState, nonce string) (string, error) {
	fields := make(map[string]string, len(appState.Extra)+2)
	for k, v := range appState.Extra {
		fields[k] = v
	}
	if appState.ReturnTo != "" {
		fields[returnToField] = appState.ReturnTo
	}
	fields[nonceField] = nonce

	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeState(encoded string) (AppState, string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		var urlErr error
		if raw, urlErr = base64.RawURLEncoding.DecodeString(encoded); urlErr != nil {
			return AppState{}, "", fmt.Errorf("failed to decode state: %w", err)
		}
	}

	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return AppState{}, "", fmt.Errorf("failed to parse state: %w", err)
	}

	nonce := fields[nonceField]
	appState := AppState{ReturnTo: fields[returnToField]}
	delete(fields, nonceField)
	delete(fields, returnToField)
	if len(fields) > 0 {
		appState.Extra = fields
	}
	return appState, nonce, nil
}
