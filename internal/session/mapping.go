package session

import (
	"strings"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// imageSanitizeThreshold is the inline image payload size above which the
// binary data is replaced before events leave the server.
const imageSanitizeThreshold = 1024

const imageOmittedSentinel = "[image data omitted]"

// mapHostEvent translates a bundle host event into a protocol-level update.
// Returns ok=false for events the runtime absorbs (prompt lifecycle markers,
// context bookkeeping, thinking when disabled). Unrecognized host types pass
// through with the colon vocabulary renamed to dotted.
func mapHostEvent(ev bundle.Event, showThinking bool) (Update, bool) {
	data := sanitizePayload(ev.Data)

	switch ev.Type {
	case bundle.EventContentBlockStart:
		return Update{Type: protocol.EventContentStart, Data: data}, true
	case bundle.EventContentBlockDelta:
		return Update{Type: protocol.EventContentDelta, Data: data}, true
	case bundle.EventContentBlockEnd:
		return Update{Type: protocol.EventContentEnd, Data: data}, true

	case bundle.EventThinkingDelta:
		if !showThinking {
			return Update{}, false
		}
		return Update{Type: protocol.EventThinkingDelta, Data: data}, true
	case bundle.EventThinkingFinal:
		if !showThinking {
			return Update{}, false
		}
		return Update{Type: protocol.EventThinkingEnd, Data: data}, true

	case bundle.EventToolPre:
		return Update{Type: protocol.EventToolCall, Data: data}, true
	case bundle.EventToolPost:
		return Update{Type: protocol.EventToolResult, Data: data}, true
	case bundle.EventToolError:
		return Update{Type: protocol.EventToolError, Data: data}, true

	case bundle.EventApprovalRequired:
		return Update{Type: protocol.EventApprovalRequired, Data: data}, true

	case bundle.EventPromptSubmit, bundle.EventPromptComplete, bundle.EventContextUpdated:
		// The handler emits its own ack/result envelope; these markers and
		// the host's context bookkeeping never reach the wire.
		return Update{}, false

	case bundle.EventError:
		return Update{Type: protocol.EventError, Data: data}, true

	default:
		return Update{Type: strings.ReplaceAll(ev.Type, ":", "."), Data: data}, true
	}
}

// sanitizePayload walks the payload and replaces inline image data larger
// than the threshold with a sentinel string. This is the only transformation
// applied to host payloads; everything else passes through untouched. The
// input is never mutated.
func sanitizePayload(data map[string]any) map[string]any {
	v, _ := sanitizeValue(data).(map[string]any)
	return v
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = sanitizeValue(inner)
		}
		if out["type"] == "image" {
			if source, ok := out["source"].(map[string]any); ok {
				if data, ok := source["data"].(string); ok && len(data) > imageSanitizeThreshold {
					replaced := make(map[string]any, len(source))
					for k, inner := range source {
						replaced[k] = inner
					}
					replaced["data"] = imageOmittedSentinel
					out["source"] = replaced
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	default:
		return v
	}
}

// blockText extracts assembled text from a content_block:end payload.
func blockText(data map[string]any) string {
	block, ok := data["block"].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := block["text"].(string)
	return text
}
