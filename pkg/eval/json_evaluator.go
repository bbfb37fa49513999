package eval

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	jsonlogic "github.com/diegoholiveira/jsonlogic/v3"
	log "github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/open-feature/flagd-toolbar/pkg/model"
)

const (
	StaticReason         = "STATIC"
	TargetingMatchReason = "TARGETING_MATCH"
	DisabledReason       = "DISABLED"
	ErrorReason          = "ERROR"

	FlagNotFoundErrorCode = "FLAG_NOT_FOUND"
	TypeMismatchErrorCode = "TYPE_MISMATCH"
	ParseErrorCode        = "PARSE_ERROR"
)

var (
	ErrFlagNotFound = errors.New(FlagNotFoundErrorCode)
	ErrTypeMismatch = errors.New(TypeMismatchErrorCode)
	ErrParse        = errors.New(ParseErrorCode)
)

//go:embed schemas/flag-definitions.json
var flagDefinitionsSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(flagDefinitionsSchema)

// JSONEvaluator resolves flags of a flag definition document. Targeting
// rules are jsonlogic expressions evaluated against the context attributes
// and resolve to a variant name.
type JSONEvaluator struct {
	mu    sync.RWMutex
	state model.Flags
}

// Validate checks a flag definition document against the schema.
func Validate(raw []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if !result.Valid() {
		var problems bytes.Buffer
		for i, desc := range result.Errors() {
			if i > 0 {
				problems.WriteString("; ")
			}
			problems.WriteString(desc.String())
		}
		return fmt.Errorf("invalid flag definitions: %s", problems.String())
	}
	return nil
}

// SetState replaces the flag definitions. The previous state is kept when
// the document is invalid.
func (je *JSONEvaluator) SetState(state string) error {
	raw := []byte(state)
	if err := Validate(raw); err != nil {
		return err
	}
	var flags model.Flags
	if err := json.Unmarshal(raw, &flags); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	for key, flag := range flags.Flags {
		flag.Key = key
		flags.Flags[key] = flag
	}
	je.mu.Lock()
	je.state = flags
	je.mu.Unlock()
	return nil
}

// Keys returns the defined flag keys, sorted.
func (je *JSONEvaluator) Keys() []string {
	je.mu.RLock()
	defer je.mu.RUnlock()
	keys := make([]string, 0, len(je.state.Flags))
	for key := range je.state.Flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (je *JSONEvaluator) flag(flagKey string) (model.Flag, bool) {
	je.mu.RLock()
	defer je.mu.RUnlock()
	flag, ok := je.state.Flags[flagKey]
	return flag, ok
}

// Evaluate resolves flagKey for ctx. Disabled flags resolve to no value.
func (je *JSONEvaluator) Evaluate(flagKey string, ctx model.Context) (variant string, value any, reason string, err error) {
	flag, ok := je.flag(flagKey)
	if !ok {
		return "", nil, ErrorReason, ErrFlagNotFound
	}
	if !flag.Enabled() {
		return "", nil, DisabledReason, nil
	}

	variant = flag.DefaultVariant
	reason = StaticReason
	if hasTargeting(flag.Targeting) {
		target, err := evaluateTargeting(flag.Targeting, ctx)
		if err != nil {
			log.Debugf("targeting of %s failed: %v", flagKey, err)
			return "", nil, ErrorReason, fmt.Errorf("%w: %v", ErrParse, err)
		}
		// a rule that returns null or an unknown variant falls back to the default
		if _, ok := flag.Variants[target]; ok {
			variant = target
			reason = TargetingMatchReason
		}
	}
	return variant, flag.Variants[variant], reason, nil
}

// EvaluateAll resolves every enabled flag for ctx. Flags that fail to
// evaluate are left out.
func (je *JSONEvaluator) EvaluateAll(ctx model.Context) map[string]any {
	values := map[string]any{}
	for _, key := range je.Keys() {
		_, value, reason, err := je.Evaluate(key, ctx)
		if err != nil || reason == DisabledReason {
			continue
		}
		values[key] = value
	}
	return values
}

func hasTargeting(rule json.RawMessage) bool {
	trimmed := bytes.TrimSpace(rule)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("{}")) && !bytes.Equal(trimmed, []byte("null"))
}

func evaluateTargeting(rule json.RawMessage, ctx model.Context) (string, error) {
	if ctx == nil {
		ctx = model.Context{}
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}
	var result bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(rule), bytes.NewReader(data), &result); err != nil {
		return "", err
	}
	var out any
	if err := json.Unmarshal(result.Bytes(), &out); err != nil {
		return "", err
	}
	variant, _ := out.(string)
	return variant, nil
}

// Resolution is the outcome of resolving one flag.
type Resolution struct {
	Key       string `json:"key"`
	Variant   string `json:"variant,omitempty"`
	Value     any    `json:"value"`
	Reason    string `json:"reason"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Resolve evaluates flagKey for ctx and checks the value against want. An
// empty want or multivariate accepts any value.
func (je *JSONEvaluator) Resolve(flagKey string, want model.FlagType, ctx model.Context) (Resolution, error) {
	res := Resolution{Key: flagKey}
	variant, value, reason, err := je.Evaluate(flagKey, ctx)
	if err != nil {
		res.Reason = ErrorReason
		res.ErrorCode = errorCode(err)
		return res, err
	}
	res.Reason = reason
	if reason == DisabledReason {
		return res, nil
	}
	if !hasType(value, want) {
		res.Reason = ErrorReason
		res.ErrorCode = TypeMismatchErrorCode
		return res, fmt.Errorf("%w: %s is not %s", ErrTypeMismatch, flagKey, want)
	}
	res.Variant = variant
	res.Value = value
	return res, nil
}

func hasType(value any, want model.FlagType) bool {
	switch want {
	case model.FlagTypeBoolean:
		_, ok := value.(bool)
		return ok
	case model.FlagTypeString:
		_, ok := value.(string)
		return ok
	case model.FlagTypeNumber:
		_, ok := value.(float64)
		return ok
	case model.FlagTypeObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrFlagNotFound):
		return FlagNotFoundErrorCode
	case errors.Is(err, ErrTypeMismatch):
		return TypeMismatchErrorCode
	default:
		return ParseErrorCode
	}
}
