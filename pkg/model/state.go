package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// ConnectionStatus of the dev-server engine.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// RuntimeFlagState is the dev server's view of a single flag, either its
// evaluated baseline or its override.
type RuntimeFlagState struct {
	Value   any `json:"value"`
	Version int `json:"version"`
}

// SyncToken is the opaque _lastSyncedFromSource value. Only equality is
// meaningful.
type SyncToken string

func (t *SyncToken) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) {
		*t = ""
		return nil
	}
	*t = SyncToken(trimmed)
	return nil
}

func (t SyncToken) MarshalJSON() ([]byte, error) {
	if t == "" {
		return []byte("null"), nil
	}
	return []byte(t), nil
}

// ProjectSnapshot is a single point-in-time read of dev server state.
type ProjectSnapshot struct {
	LastSyncToken        SyncToken                   `json:"_lastSyncedFromSource"`
	AvailableVariations  map[string][]Variation      `json:"availableVariations"`
	FlagsState           map[string]RuntimeFlagState `json:"flagsState"`
	Overrides            map[string]RuntimeFlagState `json:"overrides"`
	SourceEnvironmentKey string                      `json:"sourceEnvironmentKey"`
	Context              Context                     `json:"context,omitempty"`
}

// EnhancedFlag is the display-ready record derived from catalog metadata and
// dev server runtime state. Consumers must treat it as read-only.
type EnhancedFlag struct {
	Key                 string      `json:"key"`
	Name                string      `json:"name"`
	CurrentValue        any         `json:"currentValue"`
	IsOverridden        bool        `json:"isOverridden"`
	OriginalValue       any         `json:"originalValue"`
	AvailableVariations []Variation `json:"availableVariations"`
	Type                FlagType    `json:"type"`
	SourceEnvironment   string      `json:"sourceEnvironment"`
	Enabled             bool        `json:"enabled"`
}

// ToolbarState is the aggregate published by the dev-server engine.
type ToolbarState struct {
	Flags                map[string]EnhancedFlag `json:"flags"`
	ConnectionStatus     ConnectionStatus        `json:"connectionStatus"`
	LastSyncTime         time.Time               `json:"lastSyncTime"`
	IsLoading            bool                    `json:"isLoading"`
	Error                string                  `json:"error,omitempty"`
	SourceEnvironmentKey string                  `json:"sourceEnvironmentKey,omitempty"`
	ProjectKey           string                  `json:"projectKey,omitempty"`
}

// LocalFlag is the SDK-mode counterpart of EnhancedFlag.
type LocalFlag struct {
	Key                 string      `json:"key"`
	Name                string      `json:"name"`
	CurrentValue        any         `json:"currentValue"`
	IsOverridden        bool        `json:"isOverridden"`
	Type                FlagType    `json:"type"`
	AvailableVariations []Variation `json:"availableVariations"`
}

// ValueType maps a decoded JSON value onto a flag type, falling back to
// boolean for anything that is not a string, number or object.
func ValueType(v any) FlagType {
	switch v.(type) {
	case string:
		return FlagTypeString
	case float64, float32, int, int64, int32, json.Number:
		return FlagTypeNumber
	case map[string]any, []any:
		return FlagTypeObject
	default:
		return FlagTypeBoolean
	}
}
