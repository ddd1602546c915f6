package modkit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetting_IsSet(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{name: "nil", value: nil, want: false},
		{name: "empty string", value: "", want: false},
		{name: "blank string", value: "   ", want: false},
		{name: "string", value: "10.0.0.1", want: true},
		{name: "empty list", value: []string{}, want: false},
		{name: "list", value: []string{"a"}, want: true},
		{name: "int", value: 0, want: true},
		{name: "empty map", value: map[string]any{}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Setting{Value: tt.value}.IsSet())
		})
	}
}

func TestSettings_SetKnownKeyReplacesValue(t *testing.T) {
	s := Settings{"timeout": {Value: "5", Description: "seconds"}}

	require.NoError(t, s.Set("timeout", "30"))

	snap := s.Snapshot()
	assert.Equal(t, "30", snap["timeout"].Value)
	assert.Equal(t, "seconds", snap["timeout"].Description)
}

func TestSettings_SetUnknownKeyLeavesValuesUnchanged(t *testing.T) {
	s := Settings{"timeout": {Value: "5"}}

	err := s.Set("timeuot", "30")

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "timeuot", cfgErr.Key)
	assert.True(t, errors.Is(err, ErrUnknownSetting))
	assert.Equal(t, "5", s.String("timeout"))
}

func TestSettings_SnapshotIsDetached(t *testing.T) {
	s := Settings{"hosts": {Value: "a"}}

	snap := s.Snapshot()
	st := snap["hosts"]
	st.Value = "b"
	snap["hosts"] = st

	assert.Equal(t, "a", s.String("hosts"))
}

func TestMissing_ReturnsSortedUnsetRequired(t *testing.T) {
	params := map[string]Setting{
		"zeta":  {Required: true},
		"alpha": {Required: true, Value: ""},
		"beta":  {Required: true, Value: "x"},
		"gamma": {Required: false},
	}

	assert.Equal(t, []string{"alpha", "zeta"}, Missing(params))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", FormatValue(nil))
	assert.Equal(t, "List, of, Values", FormatValue([]string{"List", "of", "Values"}))
	assert.Equal(t, "a, 2", FormatValue([]any{"a", 2}))
	assert.Equal(t, "42", FormatValue(42))
}
