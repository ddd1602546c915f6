package findings

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/internal/store"
)

type dirWorkspace string

func (d dirWorkspace) Path(parts ...string) string {
	return filepath.Join(append([]string{string(d)}, parts...)...)
}

type row struct {
	Port int `json:"port"`
}

func TestCheckHandler(t *testing.T) {
	for _, h := range []string{HandlerPrint, HandlerStore, HandlerJSONL} {
		assert.NoError(t, CheckHandler(h))
	}
	assert.ErrorIs(t, CheckHandler("email"), ErrUnknownHandler)
}

func TestEmit_Print(t *testing.T) {
	var out bytes.Buffer
	err := Emit(context.Background(), modules.Env{Out: &out}, HandlerPrint, "m", &store.Scan{Target: "h"}, []row{{22}})

	require.NoError(t, err)
	assert.Empty(t, out.String())
}

func TestEmit_StoreRequiresRepository(t *testing.T) {
	err := Emit(context.Background(), modules.Env{Out: &bytes.Buffer{}}, HandlerStore, "m", &store.Scan{}, []row{})
	assert.EqualError(t, err, "no store configured")
}

func TestEmit_JSONLAppends(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	env := modules.Env{Out: &out, Workspace: dirWorkspace(dir)}

	require.NoError(t, Emit(context.Background(), env, HandlerJSONL, "m", &store.Scan{}, []row{{22}, {80}}))

	files, err := os.ReadDir(filepath.Join(dir, "findings"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "m-"))

	path := filepath.Join(dir, "findings", files[0].Name())
	require.NoError(t, WriteJSONL(path, []row{{443}}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.Equal(t, []string{`{"port":22}`, `{"port":80}`, `{"port":443}`}, lines)
	assert.Contains(t, out.String(), "[+] findings written to "+path)
}
