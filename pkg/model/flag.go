package model

import "encoding/json"

// FlagType is the UI-facing type tag of a flag. It decides which editor the
// toolbar offers for an override.
type FlagType string

const (
	FlagTypeBoolean      FlagType = "boolean"
	FlagTypeString       FlagType = "string"
	FlagTypeNumber       FlagType = "number"
	FlagTypeObject       FlagType = "object"
	FlagTypeMultivariate FlagType = "multivariate"
)

// Variation is one of the values a flag can serve.
type Variation struct {
	ID    string `json:"_id,omitempty"`
	Name  string `json:"name,omitempty"`
	Value any    `json:"value"`
}

// FlagMetadata is a catalog entry from the remote flag API. It is replaced
// wholesale on every catalog fetch.
type FlagMetadata struct {
	Key        string      `json:"key"`
	Name       string      `json:"name"`
	Kind       FlagType    `json:"kind,omitempty"`
	Variations []Variation `json:"variations,omitempty"`
}

// Flag is a flag definition as found in a local flag file.
type Flag struct {
	State          string          `json:"state"`
	DefaultVariant string          `json:"defaultVariant"`
	Variants       map[string]any  `json:"variants"`
	Targeting      json.RawMessage `json:"targeting,omitempty"`
	Metadata       Metadata        `json:"metadata,omitempty"`
	Key            string          `json:"-"`
}

// Enabled reports whether the flag state is ENABLED.
func (f Flag) Enabled() bool {
	return f.State == "ENABLED"
}

// Flags is the document shape of a local flag file.
type Flags struct {
	Flags map[string]Flag `json:"flags"`
}

type Metadata = map[string]interface{}
