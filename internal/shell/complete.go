package shell

import (
	"strings"

	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// Complete returns candidates for the word being typed at the end of line.
// The first word completes to command names by prefix; module names and
// setting keys match anywhere in the name.
func (s *Shell) Complete(line string) []string {
	line = strings.TrimLeft(line, " \t")
	fields := strings.Fields(line)
	typing := ""
	if len(fields) > 0 && !strings.HasSuffix(line, " ") && !strings.HasSuffix(line, "\t") {
		typing = fields[len(fields)-1]
		fields = fields[:len(fields)-1]
	}

	if len(fields) == 0 {
		var out []string
		for _, name := range s.CommandNames() {
			if strings.HasPrefix(name, typing) {
				out = append(out, name)
			}
		}
		return out
	}
	if len(fields) > 1 {
		return nil
	}

	switch fields[0] {
	case "use", "modules":
		return containing(s.reg.Names(), typing)
	case "set", "config":
		m, ok := s.Current()
		if !ok {
			return nil
		}
		return containing(modkit.Keys(m.Params()), typing)
	case "help":
		return containing(s.CommandNames(), typing)
	}
	return nil
}

func containing(names []string, text string) []string {
	var out []string
	for _, name := range names {
		if strings.Contains(name, text) {
			out = append(out, name)
		}
	}
	return out
}

// WordCompleter adapts Complete to liner's word completion.
func (s *Shell) WordCompleter(line string, pos int) (head string, completions []string, tail string) {
	if pos > len(line) {
		pos = len(line)
	}
	before := line[:pos]
	start := strings.LastIndexAny(before, " \t") + 1
	return before[:start], s.Complete(before), line[pos:]
}
