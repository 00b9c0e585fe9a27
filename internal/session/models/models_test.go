package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func textBlocks(texts ...string) []interface{} {
	blocks := make([]interface{}, 0, len(texts))
	for _, text := range texts {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": text})
	}
	return blocks
}

func TestMessageEventContentShape(t *testing.T) {
	valid := &Event{
		Type:    EventMessage,
		Role:    strPtr("assistant"),
		Content: textBlocks("hello"),
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name    string
		content interface{}
	}{
		{"nil content", nil},
		{"bare string", "hello"},
		{"empty array", []interface{}{}},
		{"non-object block", []interface{}{"hello"}},
		{"block without type", []interface{}{map[string]interface{}{"text": "hi"}}},
		{"text block without text", []interface{}{map[string]interface{}{"type": "text"}}},
		{"text block with non-string text", []interface{}{map[string]interface{}{"type": "text", "text": 7.0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := &Event{Type: EventMessage, Role: strPtr("user"), Content: tc.content}
			assert.Error(t, event.Validate())
		})
	}

	// Non-text block types carry their own fields.
	mixed := &Event{
		Type: EventMessage,
		Role: strPtr("assistant"),
		Content: []interface{}{
			map[string]interface{}{"type": "text", "text": "running tool"},
			map[string]interface{}{"type": "tool_use", "name": "search"},
		},
	}
	assert.NoError(t, mixed.Validate())
}

func TestMessageEventRequiresRole(t *testing.T) {
	event := &Event{Type: EventMessage, Content: textBlocks("hi")}
	assert.Error(t, event.Validate())

	event.Role = strPtr("system")
	assert.Error(t, event.Validate())
}
