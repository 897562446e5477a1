// Package contextasm implements the ContextAssembler component (§4.6): it
// turns a cell's declared context sources into the message sequence handed
// to a ModelProvider, choosing between TOON and JSON encoding per source and
// recording the size delta for later cost/analytics attribution (§6.3).
package contextasm

import (
	"encoding/json"
	"fmt"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
	"github.com/smilemakc/cascade/internal/provider"
	"github.com/smilemakc/cascade/internal/toon"
)

// Attribution records the JSON/TOON size comparison for one injected source,
// mirroring the payload fields of the log row schema (§3.1):
// data_size_json, data_size_toon, data_token_savings_pct.
type Attribution struct {
	SourceName string
	DataFormat string // "json" | "toon" | "repr"
	SizeJSON   int
	SizeTOON   int
	SavingsPct float64
}

// Assembler builds provider messages from a cell's context sources.
type Assembler struct{}

func New() *Assembler { return &Assembler{} }

// Build resolves cell.Context.Sources against the echo's lineage, returning
// the provider messages to prepend ahead of the cell's own instructions, and
// the per-source size attribution for logging.
func (a *Assembler) Build(cell *domain.Cell, ec *echo.Echo) ([]provider.Message, []Attribution, error) {
	if cell.Context == nil {
		return nil, nil, nil
	}

	lineage := ec.LineageSnapshot()
	byName := make(map[string]echo.LineageEntry, len(lineage))
	for _, l := range lineage {
		byName[l.Cell] = l
	}

	var messages []provider.Message
	var attrs []Attribution
	for _, src := range cell.Context.Sources {
		entry, ok := byName[src.Name]
		if !ok {
			return nil, nil, fmt.Errorf("contextasm: context source %q has no prior lineage entry", src.Name)
		}

		payload := a.selectPayload(src, entry)
		content, format, jsonSize, toonSize := a.encode(src.Format, payload)

		role := src.AsRole
		if role == "" {
			role = "user"
		}
		messages = append(messages, provider.Message{Role: role, Content: fmt.Sprintf("[Output from %s]:\n%s", src.Name, content)})

		savings := 0.0
		if jsonSize > 0 {
			savings = (1 - float64(toonSize)/float64(jsonSize)) * 100
		}
		attrs = append(attrs, Attribution{
			SourceName: src.Name,
			DataFormat: format,
			SizeJSON:   jsonSize,
			SizeTOON:   toonSize,
			SavingsPct: savings,
		})
	}
	return messages, attrs, nil
}

// selectPayload narrows a lineage entry down to the fields named in
// src.Include (§4.6: output / tool_calls / reasoning), defaulting to the
// full output when Include is empty.
func (a *Assembler) selectPayload(src domain.ContextSource, entry echo.LineageEntry) any {
	if len(src.Include) == 0 {
		return entry.Output
	}
	out := map[string]any{}
	outputMap, isMap := entry.Output.(map[string]any)
	for _, inc := range src.Include {
		switch inc {
		case domain.IncludeOutput:
			if isMap {
				for k, v := range outputMap {
					out[k] = v
				}
			} else {
				out["output"] = entry.Output
			}
		case domain.IncludeToolCalls:
			if isMap {
				out["tool_calls"] = outputMap["tool_calls"]
			}
		case domain.IncludeReasoning:
			if isMap {
				out["reasoning"] = outputMap["reasoning"]
			}
		}
	}
	return out
}

// encode renders payload per the requested format, defaulting (FormatAuto)
// to TOON when the payload is a uniform array of ≥5 rows, else JSON (§6.3).
func (a *Assembler) encode(format string, payload any) (content, resolved string, jsonSize, toonSize int) {
	jsonBytes, _ := json.Marshal(payload)
	jsonSize = len(jsonBytes)

	switch format {
	case domain.FormatJSON:
		return string(jsonBytes), "json", jsonSize, jsonSize
	case domain.FormatRepr:
		return fmt.Sprintf("%+v", payload), "repr", jsonSize, jsonSize
	case domain.FormatTOON:
		encoded, _ := toon.Encode(payload)
		return encoded, "toon", jsonSize, len(encoded)
	default: // FormatAuto
		encoded, isTOON := toon.Encode(payload)
		if isTOON {
			return encoded, "toon", jsonSize, len(encoded)
		}
		return string(jsonBytes), "json", jsonSize, jsonSize
	}
}
