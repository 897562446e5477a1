package cellloop

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/prompt"
)

// evaluateWard runs one ward against a cell's validated output (§4.7 item 4).
func evaluateWard(ward domain.WardConfig, output map[string]any, engine *prompt.Engine) (bool, error) {
	switch ward.Kind {
	case domain.WardKindRegex:
		re, err := regexp.Compile(ward.Spec)
		if err != nil {
			return false, fmt.Errorf("cellloop: invalid ward regex %q: %w", ward.Spec, err)
		}
		content, _ := output["content"].(string)
		return re.MatchString(content), nil

	case domain.WardKindJSONSchema:
		loader := gojsonschema.NewStringLoader(ward.Spec)
		raw, err := json.Marshal(output)
		if err != nil {
			return false, err
		}
		result, err := gojsonschema.Validate(loader, gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return false, fmt.Errorf("cellloop: ward jsonschema: %w", err)
		}
		return result.Valid(), nil

	case domain.WardKindPredicate:
		return engine.EvalBool(ward.Spec, prompt.Scope{Outputs: output, State: output})

	default:
		return false, fmt.Errorf("cellloop: unknown ward kind %q", ward.Kind)
	}
}

func toJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func jsonUnmarshal(s string, out *map[string]any) error {
	return json.Unmarshal([]byte(s), out)
}
