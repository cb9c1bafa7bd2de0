package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaJSONSchemaObject(t *testing.T) {
	s := Object("choice").
		Property("choice", Enum("pick one", "Legal", "UNKNOWN"), true).
		Property("score", Integer("confidence", 0, 100), true).
		Property("note", String("").OrNull(), false)

	assert.Equal(t, []string{"choice", "score", "note"}, s.PropertyNames())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"description": "choice",
		"type": "object",
		"additionalProperties": false,
		"required": ["choice", "score"],
		"properties": {
			"choice": {"type": "string", "description": "pick one", "enum": ["Legal", "UNKNOWN"]},
			"score": {"type": "integer", "description": "confidence", "minimum": 0, "maximum": 100},
			"note": {"type": ["string", "null"]}
		}
	}`, string(data))
}

func TestSchemaValidate(t *testing.T) {
	s := Object("").
		Property("choice", Enum("", "A", "B"), true).
		Property("score", Integer("", 0, 100), true).
		Property("items", Array("", Object("").Property("n", Number(""), true)), false)

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid", `{"choice":"A","score":50}`, false},
		{"valid with items", `{"choice":"B","score":0,"items":[{"n":1.5}]}`, false},
		{"choice outside enum", `{"choice":"C","score":50}`, true},
		{"score out of range", `{"choice":"A","score":101}`, true},
		{"score not integer", `{"choice":"A","score":50.5}`, true},
		{"missing required", `{"choice":"A"}`, true},
		{"extra field", `{"choice":"A","score":1,"x":true}`, true},
		{"item missing field", `{"choice":"A","score":1,"items":[{}]}`, true},
		{"not json", `choice: A`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate([]byte(tt.doc))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSchemaMismatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchemaAnyOfNullable(t *testing.T) {
	a := Object("").Property("node_type", Enum("", "A"), true).Property("x", String(""), false)
	b := Object("").Property("node_type", Enum("", "B"), true).Property("y", Number(""), false)
	s := Object("").Property("child", AnyOf("either", a, b).OrNull(), false)

	assert.NoError(t, s.Validate([]byte(`{"child":{"node_type":"A","x":"v"}}`)))
	assert.NoError(t, s.Validate([]byte(`{"child":{"node_type":"B","y":2}}`)))
	assert.NoError(t, s.Validate([]byte(`{"child":null}`)))
	assert.NoError(t, s.Validate([]byte(`{}`)))
	assert.ErrorIs(t, s.Validate([]byte(`{"child":{"node_type":"C"}}`)), ErrSchemaMismatch)
}

func TestPropertyReplaceKeepsOrder(t *testing.T) {
	s := Object("").Property("a", String(""), true).Property("b", String(""), false)
	s.Property("a", Number(""), true)
	assert.Equal(t, []string{"a", "b"}, s.PropertyNames())
	assert.Equal(t, []string{"a"}, s.Required)
	assert.Equal(t, TypeNumber, s.Properties["a"].Type)
}

func TestToGenaiSchemaMergesAnyOf(t *testing.T) {
	a := Object("").Property("node_type", Enum("", "A"), true).Property("x", String(""), false)
	b := Object("").Property("node_type", Enum("", "B"), true).Property("y", Number(""), false)
	g := toGenaiSchema(AnyOf("", a, b))

	require.Contains(t, g.Properties, "node_type")
	assert.Equal(t, []string{"A", "B"}, g.Properties["node_type"].Enum)
	assert.Contains(t, g.Properties, "x")
	assert.Contains(t, g.Properties, "y")
	assert.Empty(t, g.Required)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Sure! Here it is: {\"a\": [1, 2,]} hope that helps", `{"a": [1, 2]}`},
		{`[1,2]`, `[1,2]`},
		{"no json", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractJSON(tt.in), "input %q", tt.in)
	}
}
