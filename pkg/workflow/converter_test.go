package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string `json:"name"`
}

func TestJSONConverterRoundTrip(t *testing.T) {
	c := NewJSONConverter()
	data, err := c.Marshal(payload{Name: "a"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "a", out.Name)
	assert.Equal(t, "application/json", c.ContentType())
}

func TestJSONConverterRejectsEmptyData(t *testing.T) {
	c := NewJSONConverter()
	var out payload
	err := c.Unmarshal(nil, &out)
	assert.Error(t, err)
}

func TestPrettyJSONConverterIndents(t *testing.T) {
	c := NewPrettyJSONConverter()
	data, err := c.Marshal(payload{Name: "a"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n")
}

func TestConverterRegistryDefaultsAndFallback(t *testing.T) {
	r := NewConverterRegistry()
	assert.Equal(t, "application/json", r.Get("json").ContentType())
	// Unknown name falls back to the registry's default converter.
	assert.Same(t, r.def, r.Get("nonexistent"))
	assert.Contains(t, r.List(), "json")
	assert.Contains(t, r.List(), "pretty")
}

func TestGetConverterGlobalRegistry(t *testing.T) {
	c := GetConverter("json")
	require.NotNil(t, c)
	assert.Equal(t, "application/json", c.ContentType())
}
