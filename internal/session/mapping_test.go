package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

func TestMapHostEventRenames(t *testing.T) {
	tests := []struct {
		hostType string
		want     string
	}{
		{bundle.EventContentBlockStart, protocol.EventContentStart},
		{bundle.EventContentBlockDelta, protocol.EventContentDelta},
		{bundle.EventContentBlockEnd, protocol.EventContentEnd},
		{bundle.EventToolPre, protocol.EventToolCall},
		{bundle.EventToolPost, protocol.EventToolResult},
		{bundle.EventToolError, protocol.EventToolError},
		{bundle.EventError, protocol.EventError},
		{"custom:thing", "custom.thing"},
	}
	for _, tt := range tests {
		u, ok := mapHostEvent(bundle.Event{Type: tt.hostType, Data: map[string]any{}}, true)
		require.True(t, ok, tt.hostType)
		assert.Equal(t, tt.want, u.Type)
	}
}

func TestMapHostEventAbsorbsLifecycleMarkers(t *testing.T) {
	for _, hostType := range []string{bundle.EventPromptSubmit, bundle.EventPromptComplete, bundle.EventContextUpdated} {
		_, ok := mapHostEvent(bundle.Event{Type: hostType}, true)
		assert.False(t, ok, hostType)
	}
}

func TestMapHostEventThinkingToggle(t *testing.T) {
	u, ok := mapHostEvent(bundle.Event{Type: bundle.EventThinkingDelta, Data: map[string]any{"delta": "hm"}}, true)
	require.True(t, ok)
	assert.Equal(t, protocol.EventThinkingDelta, u.Type)

	_, ok = mapHostEvent(bundle.Event{Type: bundle.EventThinkingDelta}, false)
	assert.False(t, ok)
	_, ok = mapHostEvent(bundle.Event{Type: bundle.EventThinkingFinal}, false)
	assert.False(t, ok)
}

func TestSanitizeLargeImageData(t *testing.T) {
	big := strings.Repeat("a", 2048)
	data := map[string]any{
		"content": []any{
			map[string]any{
				"type":   "image",
				"source": map[string]any{"media_type": "image/png", "data": big},
			},
			map[string]any{"type": "text", "text": "caption"},
		},
	}

	out := sanitizePayload(data)

	content := out["content"].([]any)
	image := content[0].(map[string]any)
	source := image["source"].(map[string]any)
	assert.Equal(t, imageOmittedSentinel, source["data"])
	assert.Equal(t, "image/png", source["media_type"])
	assert.Equal(t, "caption", content[1].(map[string]any)["text"])

	// Input untouched.
	orig := data["content"].([]any)[0].(map[string]any)["source"].(map[string]any)
	assert.Equal(t, big, orig["data"])
}

func TestSanitizeKeepsSmallImages(t *testing.T) {
	data := map[string]any{
		"type":   "image",
		"source": map[string]any{"data": "tiny"},
	}
	out := sanitizePayload(data)
	assert.Equal(t, "tiny", out["source"].(map[string]any)["data"])
}

func TestSanitizeIgnoresNonImageTypes(t *testing.T) {
	big := strings.Repeat("b", 5000)
	data := map[string]any{
		"type":   "file",
		"source": map[string]any{"data": big},
	}
	out := sanitizePayload(data)
	assert.Equal(t, big, out["source"].(map[string]any)["data"])
}

func TestBlockText(t *testing.T) {
	assert.Equal(t, "hello", blockText(map[string]any{"block": map[string]any{"text": "hello"}}))
	assert.Empty(t, blockText(map[string]any{"block": "not a map"}))
	assert.Empty(t, blockText(map[string]any{}))
}
