package catalog

import (
	"strings"
	"unicode"

	"github.com/open-feature/flagd-toolbar/pkg/model"
)

// Merge combines catalog metadata with a dev server snapshot. The snapshot
// decides which flags exist: overrides for flags without a baseline state are
// dropped. A new map is returned on every call.
func Merge(catalog []model.FlagMetadata, snapshot *model.ProjectSnapshot) map[string]model.EnhancedFlag {
	flags := make(map[string]model.EnhancedFlag)
	if snapshot == nil {
		return flags
	}

	byKey := Index(catalog)
	for key, state := range snapshot.FlagsState {
		meta, known := byKey[key]

		currentValue := state.Value
		override, overridden := snapshot.Overrides[key]
		if overridden && override.Value != nil {
			currentValue = override.Value
		}

		variations := snapshot.AvailableVariations[key]
		if len(variations) == 0 && known {
			variations = meta.Variations
		}

		name := DisplayName(key)
		if known && meta.Name != "" {
			name = meta.Name
		}

		flagType := meta.Kind
		if !known || flagType == "" {
			flagType = InferType(variations, currentValue)
		}

		flags[key] = model.EnhancedFlag{
			Key:                 key,
			Name:                name,
			CurrentValue:        currentValue,
			IsOverridden:        overridden,
			OriginalValue:       state.Value,
			AvailableVariations: variations,
			Type:                flagType,
			SourceEnvironment:   snapshot.SourceEnvironmentKey,
			Enabled:             state.Value != nil,
		}
	}
	return flags
}

// Index keys catalog entries by flag key.
func Index(catalog []model.FlagMetadata) map[string]model.FlagMetadata {
	byKey := make(map[string]model.FlagMetadata, len(catalog))
	for _, meta := range catalog {
		byKey[meta.Key] = meta
	}
	return byKey
}

// InferType derives a flag type for flags without a catalog kind: a pair of
// boolean variations is boolean, more than two variations is multivariate,
// anything else is typed by its current value.
func InferType(variations []model.Variation, currentValue any) model.FlagType {
	if len(variations) == 2 {
		_, firstBool := variations[0].Value.(bool)
		_, secondBool := variations[1].Value.(bool)
		if firstBool && secondBool {
			return model.FlagTypeBoolean
		}
	}
	if len(variations) > 2 {
		return model.FlagTypeMultivariate
	}
	return model.ValueType(currentValue)
}

// DisplayName turns "my-flag-key" into "My Flag Key".
func DisplayName(key string) string {
	segments := strings.Split(key, "-")
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		runes := []rune(segment)
		runes[0] = unicode.ToUpper(runes[0])
		segments[i] = string(runes)
	}
	return strings.Join(segments, " ")
}
