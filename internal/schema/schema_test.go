package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/jobd/internal/schema"
)

const userSchema = `{
	"type": "object",
	"properties": {
		"email": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["email"],
	"additionalProperties": false
}`

func TestJSONSchemaAcceptsConformingInput(t *testing.T) {
	s, err := schema.NewJSON(userSchema)
	require.NoError(t, err)

	ok, issues := s.SafeParse([]byte(`{"email":"a@example.com","age":30}`))
	assert.True(t, ok)
	assert.Empty(t, issues)
}

func TestJSONSchemaReportsEveryViolation(t *testing.T) {
	s, err := schema.NewJSON(userSchema)
	require.NoError(t, err)

	ok, issues := s.SafeParse([]byte(`{"age":-1,"extra":true}`))
	assert.False(t, ok)
	assert.GreaterOrEqual(t, len(issues), 2, "missing email, negative age, extra property")
	for _, issue := range issues {
		assert.NotEmpty(t, issue.Message)
	}
}

func TestJSONSchemaRejectsInvalidJSON(t *testing.T) {
	s, err := schema.NewJSON(userSchema)
	require.NoError(t, err)

	ok, issues := s.SafeParse([]byte(`{"email":`))
	assert.False(t, ok)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "not valid JSON")
}

func TestNewJSONRejectsBrokenSchema(t *testing.T) {
	_, err := schema.NewJSON(`{"type": ["not", 42`)
	assert.Error(t, err)
}

func TestMustJSONPanicsOnBrokenSchema(t *testing.T) {
	assert.Panics(t, func() { schema.MustJSON(`{"type":`) })
	assert.NotPanics(t, func() { schema.MustJSON(`{"type":"object"}`) })
}

func TestAnyAcceptsValidJSONOnly(t *testing.T) {
	var s schema.Any

	ok, _ := s.SafeParse([]byte(`{"anything":["goes",1,null]}`))
	assert.True(t, ok)

	ok, _ = s.SafeParse(nil)
	assert.True(t, ok, "empty payload is allowed")

	ok, issues := s.SafeParse([]byte(`not json`))
	assert.False(t, ok)
	assert.NotEmpty(t, issues)
}
