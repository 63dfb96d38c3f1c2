package structured

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aivis/internal/domain"
)

var scoreSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"score": {"type": "integer", "minimum": 0, "maximum": 100}},
	"required": ["score"]
}`)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"score": 71}`, false},
		{"missing field", `{}`, true},
		{"wrong type", `{"score": "high"}`, true},
		{"out of range", `{"score": 140}`, true},
		{"not json", `score: 71`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(scoreSchema, json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrSchemaValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCompileInvalidSchema(t *testing.T) {
	_, err := Compile(json.RawMessage(`{"type": `))
	assert.Error(t, err)
}

func TestMustCompilePanics(t *testing.T) {
	assert.Panics(t, func() { MustCompile(json.RawMessage(`nope`)) })
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
		{"```JSON\n[1,2]\n```", `[1,2]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripCodeFences(tt.in))
	}
}
