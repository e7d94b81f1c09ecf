package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/soorma-ai/soorma-core/pkg/envelope"
)

func TestAgentDefinitionID(t *testing.T) {
	def := &AgentDefinition{Name: "worker", Version: "1.0.0"}
	assert.Equal(t, "worker:1.0.0", def.ID())

	def.AgentID = "custom:2"
	assert.Equal(t, "custom:2", def.ID())
}

func TestRegisterAgentValidation(t *testing.T) {
	s := NewService(nil, nil)

	_, err := s.RegisterAgent(t.Context(), &AgentDefinition{Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = s.RegisterAgent(t.Context(), &AgentDefinition{Name: "worker", Version: ""})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = s.RegisterAgent(t.Context(), &AgentDefinition{Name: "bad:name", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestRegisterEventValidation(t *testing.T) {
	s := NewService(nil, nil)

	_, err := s.RegisterEvent(t.Context(), &EventDefinition{Topic: "business-facts"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = s.RegisterEvent(t.Context(), &EventDefinition{EventName: "order.created", Topic: "not-a-topic"})
	assert.ErrorIs(t, err, envelope.ErrUnknownTopic)
}

func TestRegisterSchemaValidation(t *testing.T) {
	s := NewService(nil, nil)

	_, err := s.RegisterSchema(t.Context(), &PayloadSchema{JSONSchema: map[string]any{"type": "object"}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = s.RegisterSchema(t.Context(), &PayloadSchema{
		SchemaName: "bad",
		JSONSchema: map[string]any{"type": 12345},
	})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestCompileSchema(t *testing.T) {
	valid := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []any{"a", "b"},
	}
	assert.NoError(t, compileSchema("calc.add.request", valid))

	invalid := map[string]any{"type": "no-such-type"}
	assert.Error(t, compileSchema("broken", invalid))
}
