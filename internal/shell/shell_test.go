package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/modulestest"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

type fixture struct {
	shell *Shell
	out   *bytes.Buffer
	fakes map[string]*modulestest.Fake
}

func newFixture(t require.TestingT, names ...string) *fixture {
	reg := modules.NewRegistry()
	f := &fixture{out: &bytes.Buffer{}, fakes: make(map[string]*modulestest.Fake)}
	for _, name := range names {
		fake := modulestest.New(name)
		require.NoError(t, reg.Register(fake))
		f.fakes[name] = fake
	}
	f.resetCalls()
	f.shell = New(reg, WithOutput(f.out))
	return f
}

func (f *fixture) resetCalls() {
	for _, fake := range f.fakes {
		fake.Calls = modulestest.Calls{}
	}
}

func (f *fixture) exec(lines ...string) string {
	f.out.Reset()
	for _, line := range lines {
		f.shell.Dispatch(context.Background(), line)
	}
	return f.out.String()
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line, name, arg string
	}{
		{"", "", ""},
		{"   ", "", ""},
		{"run", "run", ""},
		{"  use   alpha  ", "use", "alpha"},
		{"set hosts a b\tc", "set", "hosts a b\tc"},
		{"$ls -la", "shell", "ls -la"},
		{"$", "shell", ""},
	}
	for _, tt := range tests {
		name, arg := ParseLine(tt.line)
		assert.Equal(t, tt.name, name, tt.line)
		assert.Equal(t, tt.arg, arg, tt.line)
	}
}

func TestDiscoveredModulesListed(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	f.fakes["alpha"].Revision = "0.1"
	f.fakes["beta"].Revision = "0.2"

	out := f.exec("modules")

	for _, want := range []string{"Module", "Revision", "Description", "alpha", "0.1", "fake module alpha", "beta", "0.2"} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "alpha"), strings.Index(out, "beta"))
}

func TestModulesDescribe(t *testing.T) {
	f := newFixture(t, "alpha")

	assert.Contains(t, f.exec("modules alpha"), "fake module alpha")
	assert.Equal(t, "No module named gamma available\n", f.exec("modules gamma"))
}

func TestUseUnknownKeepsState(t *testing.T) {
	f := newFixture(t, "alpha", "beta")

	assert.Equal(t, "No module named gamma available\n", f.exec("use gamma"))
	assert.Equal(t, "", f.shell.CurrentName())

	f.exec("use alpha")
	f.exec("use gamma")
	assert.Equal(t, "alpha", f.shell.CurrentName())
}

func TestUseSetConfig(t *testing.T) {
	f := newFixture(t, "alpha", "beta")

	out := f.exec("use alpha")
	assert.Contains(t, out, "Master of puppets is pulling the strings: using alpha")
	assert.Equal(t, "alpha", f.shell.CurrentName())
	assert.Contains(t, f.shell.Prompt(), "alpha> ")

	assert.Equal(t, "timeout => 30\n", f.exec("set timeout 30"))
	assert.Equal(t, "30", f.fakes["alpha"].Params()["timeout"].Value)

	out = f.exec("config")
	for _, want := range []string{"Setting", "Value", "timeout", "30", "Timeout in seconds"} {
		assert.Contains(t, out, want)
	}
	assert.Equal(t, "timeout = 30 (required: no) Timeout in seconds\n", f.exec("config timeout"))
	assert.Equal(t, "", f.exec("config missing"))
}

func TestSetJoinsValueWords(t *testing.T) {
	f := newFixture(t, "alpha")
	f.exec("use alpha")

	f.exec("set timeout  1   2 3")

	assert.Equal(t, "1 2 3", f.fakes["alpha"].Params()["timeout"].Value)
}

func TestSetErrors(t *testing.T) {
	f := newFixture(t, "alpha")
	f.exec("use alpha")

	assert.Equal(t, "Usage: set <key> <value>\n", f.exec("set timeout"))
	assert.Equal(t, "[!] alpha has no setting named colour\n", f.exec("set colour red"))
	assert.Equal(t, "5", f.fakes["alpha"].Params()["timeout"].Value)
}

func TestIdleCommandsPrintGuidance(t *testing.T) {
	f := newFixture(t, "alpha")

	assert.Equal(t, setGuidance+"\n", f.exec("set timeout 1"))
	assert.Equal(t, configGuidance+"\n", f.exec("config"))
	assert.Equal(t, configGuidance+"\n", f.exec("config timeout"))
	assert.Equal(t, runGuidance+"\n", f.exec("run"))

	assert.Equal(t, modulestest.Calls{}, f.fakes["alpha"].Calls)
	assert.Equal(t, "", f.shell.CurrentName())
}

func TestUseEmptyClearsSelection(t *testing.T) {
	f := newFixture(t, "alpha")
	f.exec("use alpha")

	assert.Equal(t, "", f.exec("use"))
	assert.Equal(t, "", f.shell.CurrentName())
	_, ok := f.shell.Current()
	assert.False(t, ok)
	assert.Contains(t, f.shell.Prompt(), idlePrompt)
}

func TestRun(t *testing.T) {
	f := newFixture(t, "alpha")
	ran := false
	f.fakes["alpha"].RunFunc = func(ctx context.Context) error {
		ran = true
		return nil
	}
	f.exec("use alpha")

	assert.Equal(t, "", f.exec("run"))
	assert.True(t, ran)
}

func TestRun_ReportsFailureAndKeepsSession(t *testing.T) {
	f := newFixture(t, "alpha")
	f.fakes["alpha"].RunFunc = func(ctx context.Context) error { panic("exploded") }
	f.exec("use alpha")

	stop := f.shell.Dispatch(context.Background(), "run")

	assert.False(t, stop)
	assert.Contains(t, f.out.String(), "[!] module alpha failed")
	assert.Contains(t, f.out.String(), "exploded")
	assert.Equal(t, "alpha", f.shell.CurrentName())
}

func TestRun_MissingRequiredSettings(t *testing.T) {
	f := newFixture(t, "alpha")
	f.fakes["alpha"].Settings["target"] = &modkit.Setting{Required: true, Value: "", Description: "Target"}
	f.exec("use alpha")

	out := f.exec("run")

	assert.Contains(t, out, "required settings not set: target")
	assert.Equal(t, 0, f.fakes["alpha"].Calls.Run)
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t, "slow")
	f.fakes["slow"].RunFunc = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	f.shell = New(f.shell.reg, WithOutput(f.out), WithRunTimeout(20*time.Millisecond))
	f.exec("use slow")

	out := f.exec("run")

	assert.Contains(t, out, context.DeadlineExceeded.Error())
}

func TestRun_Interrupt(t *testing.T) {
	f := newFixture(t, "slow")
	f.fakes["slow"].RunFunc = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	interrupted := func(ctx context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		return ctx, cancel
	}
	f.shell = New(f.shell.reg, WithOutput(f.out), WithInterrupt(interrupted))
	f.exec("use slow")

	assert.Contains(t, f.exec("run"), context.Canceled.Error())
}

type flaky struct {
	*modulestest.Fake
	broken bool
}

func (f *flaky) Params() map[string]modkit.Setting {
	if f.broken {
		panic("bad params")
	}
	return f.Fake.Params()
}

type trimming struct {
	*modulestest.Fake
}

func (m *trimming) Set(key, value string) error {
	return m.Fake.Set(key, strings.TrimRight(value, "/"))
}

func TestSetEchoesStoredValue(t *testing.T) {
	reg := modules.NewRegistry()
	m := &trimming{Fake: modulestest.New("web")}
	require.NoError(t, reg.Register(m))
	var out bytes.Buffer
	s := New(reg, WithOutput(&out))
	require.NoError(t, s.Select("web"))

	s.Dispatch(context.Background(), "set timeout http://host//")

	assert.Equal(t, "timeout => http://host\n", out.String())
}

func TestDispatch_RecoversPanics(t *testing.T) {
	reg := modules.NewRegistry()
	m := &flaky{Fake: modulestest.New("flaky")}
	require.NoError(t, reg.Register(m))
	var out bytes.Buffer
	s := New(reg, WithOutput(&out))
	require.NoError(t, s.Select("flaky"))
	m.broken = true

	stop := s.Dispatch(context.Background(), "config")

	assert.False(t, stop)
	assert.Equal(t, "[!] config: bad params\n", out.String())
	assert.Equal(t, "flaky", s.CurrentName())
}

func TestShellCommand(t *testing.T) {
	var got []string
	f := newFixture(t)
	f.shell = New(f.shell.reg, WithOutput(f.out), WithSystem(func(ctx context.Context, cmdline string, out io.Writer) error {
		got = append(got, cmdline)
		if cmdline == "false" {
			return errors.New("exit status 1")
		}
		return nil
	}))

	f.exec("shell ls -la", "$echo  hi", "$false")

	assert.Equal(t, []string{"ls -la", "echo  hi", "false"}, got)
	assert.Contains(t, f.out.String(), "[!] shell: exit status 1")
	assert.Equal(t, "Usage: shell <command>\n", f.exec("$"))
}

func TestSystem(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	var out bytes.Buffer
	require.NoError(t, System(context.Background(), "echo hi", &out))
	assert.Equal(t, "hi\n", out.String())
	assert.Error(t, System(context.Background(), "exit 3", &out))
}

func TestExitAndUnknown(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.shell.Dispatch(context.Background(), "exit"))
	assert.False(t, f.shell.Dispatch(context.Background(), ""))
	assert.Equal(t, "Unknown command: frobnicate. Type 'help' for a list of commands.\n", f.exec("frobnicate"))
}

func TestHelp(t *testing.T) {
	f := newFixture(t)

	out := f.exec("help")
	for _, name := range f.shell.CommandNames() {
		assert.Contains(t, out, name)
	}
	assert.Equal(t, "Run the selected module\n", f.exec("help run"))
	assert.Equal(t, "No help on nope\n", f.exec("help nope"))
}

func TestComplete(t *testing.T) {
	f := newFixture(t, "port_scanner", "services", "dummy")

	assert.Equal(t, []string{"set", "shell"}, f.shell.Complete("s"))
	assert.Equal(t, []string{"port_scanner", "services"}, f.shell.Complete("use r"))
	assert.Equal(t, []string{"port_scanner", "services", "dummy"}, f.shell.Complete("modules "))
	assert.Empty(t, f.shell.Complete("set ti"))
	assert.Empty(t, f.shell.Complete("use dummy extra"))

	f.exec("use dummy")
	assert.Equal(t, []string{"timeout"}, f.shell.Complete("set ti"))
	assert.Equal(t, []string{"timeout"}, f.shell.Complete("config "))
}

func TestWordCompleter(t *testing.T) {
	f := newFixture(t, "alpha", "beta")

	head, completions, tail := f.shell.WordCompleter("use al trailing", 6)

	assert.Equal(t, "use ", head)
	assert.Equal(t, []string{"alpha"}, completions)
	assert.Equal(t, " trailing", tail)
}

type scripted struct {
	lines   []string
	prompts []string
}

func (s *scripted) Prompt(p string) (string, error) {
	s.prompts = append(s.prompts, p)
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestLoop(t *testing.T) {
	f := newFixture(t, "alpha")
	r := &scripted{lines: []string{"use alpha", "exit", "run"}}

	require.NoError(t, f.shell.Loop(context.Background(), r))

	require.Len(t, r.prompts, 2)
	assert.Contains(t, r.prompts[0], "puppeteer> ")
	assert.Contains(t, r.prompts[1], "alpha> ")
	assert.Equal(t, []string{"run"}, r.lines)
}

func TestLoop_EndOfInput(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.shell.Loop(context.Background(), &scripted{}))
	assert.Equal(t, "\n", f.out.String())
}

type failing struct{}

func (failing) Prompt(string) (string, error) { return "", errors.New("tty gone") }

func TestLoop_ReaderError(t *testing.T) {
	f := newFixture(t)
	assert.EqualError(t, f.shell.Loop(context.Background(), failing{}), "tty gone")
}

func names() *rapid.Generator[[]string] {
	return rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z][a-z_]{0,7}`), 0, 6, rapid.ID[string])
}

func TestProperty_UseSelectsOnlyRegistered(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		registered := names().Draw(t, "registered")
		f := newFixture(t, registered...)
		for _, target := range rapid.SliceOfN(rapid.StringMatching(`[a-z][a-z_]{0,7}`), 1, 5).Draw(t, "uses") {
			before := f.shell.CurrentName()
			out := f.exec("use " + target)
			if _, ok := f.fakes[target]; ok {
				assert.Equal(t, target, f.shell.CurrentName())
			} else {
				assert.Equal(t, before, f.shell.CurrentName())
				assert.Equal(t, "No module named "+target+" available\n", out)
			}
		}
		f.exec("use")
		assert.Equal(t, "", f.shell.CurrentName())
	})
}

func TestProperty_SetRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(t, "alpha")
		f.exec("use alpha")
		words := rapid.SliceOfN(rapid.StringMatching(`[!-~]{1,6}`), 1, 4).Draw(t, "words")
		key := rapid.SampledFrom([]string{"timeout", "unknown"}).Draw(t, "key")
		before := f.fakes["alpha"].Params()

		f.exec("set " + key + " " + strings.Join(words, " "))

		after := f.fakes["alpha"].Params()
		if key == "timeout" {
			assert.Equal(t, strings.Join(words, " "), after["timeout"].Value)
		} else {
			assert.Equal(t, before, after)
		}
	})
}

func TestProperty_IdleNeverTouchesModules(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		registered := names().Draw(t, "registered")
		f := newFixture(t, registered...)
		cmd := rapid.SampledFrom([]string{"set timeout 9", "set", "config", "config timeout", "run"}).Draw(t, "cmd")

		f.exec(cmd)

		assert.Equal(t, "", f.shell.CurrentName())
		for _, fake := range f.fakes {
			assert.Equal(t, modulestest.Calls{}, fake.Calls)
		}
	})
}

func TestProperty_CompletionSubset(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		registered := names().Draw(t, "registered")
		f := newFixture(t, registered...)
		text := rapid.StringMatching(`[a-z_]{0,3}`).Draw(t, "text")

		var want []string
		for _, n := range registered {
			if strings.Contains(n, text) {
				want = append(want, n)
			}
		}
		for _, cmd := range []string{"use ", "modules "} {
			if diff := cmp.Diff(want, f.shell.Complete(cmd+text), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("%s%s completion mismatch (-want +got):\n%s", cmd, text, diff)
			}
		}
		assert.Empty(t, f.shell.Complete("set "+text))
	})
}
