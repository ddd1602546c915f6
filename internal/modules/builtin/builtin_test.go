package builtin

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
)

func TestRegister(t *testing.T) {
	reg := modules.NewRegistry()

	require.NoError(t, Register(reg, modules.Env{Out: &bytes.Buffer{}}))

	assert.Equal(t, []string{"dummy", "port_scanner", "services"}, reg.Names())
	for _, m := range reg.All() {
		assert.NoError(t, modules.Validate(m))
	}
}

func TestRegister_Twice(t *testing.T) {
	reg := modules.NewRegistry()
	env := modules.Env{Out: &bytes.Buffer{}}
	require.NoError(t, Register(reg, env))

	assert.ErrorIs(t, Register(reg, env), modules.ErrDuplicateModule)
	assert.Equal(t, 3, reg.Len())
}
