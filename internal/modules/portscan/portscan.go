package portscan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/findings"
	"github.com/tldr-it-stepankutaj/mop/internal/store"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// DefaultPorts is probed when the ports setting is left at its default.
var DefaultPorts = []int{21, 22, 23, 25, 53, 80, 110, 135, 139, 143, 443, 445, 993, 995, 1433, 3306, 3389, 5432, 8080, 8443}

// Module implements a concurrent TCP connect probe.
type Module struct {
	env      modules.Env
	settings modkit.Settings
}

func New(env modules.Env) *Module {
	return &Module{
		env: env,
		settings: modkit.Settings{
			"hosts": {
				Required:    true,
				Value:       "",
				Description: "Targets to probe (hostnames or IPs, comma separated)",
			},
			"ports": {
				Required:    true,
				Value:       FormatPorts(DefaultPorts),
				Description: "Ports or ranges, e.g. 22,80,8000-8100",
			},
			"timeout": {
				Value:       "2s",
				Description: "Dial timeout per port",
			},
			"concurrency": {
				Value:       "200",
				Description: "Maximum dials in flight",
			},
			"handler": {
				Value:       findings.HandlerPrint,
				Description: "Result handler: print, store or jsonl",
			},
		},
	}
}

func (m *Module) Metadata() modules.Metadata {
	return modules.Metadata{
		Name:     "port_scanner",
		Revision: "1.0.0",
		Description: "Probes TCP ports on the configured hosts with connect scans and reports the open ones. " +
			"With handler=store every host becomes a scan record; handler=jsonl writes workspace findings.",
	}
}

func (m *Module) Params() map[string]modkit.Setting { return m.settings.Snapshot() }

func (m *Module) Set(key, value string) error { return m.settings.Set(key, value) }

// Result represents a single open port finding.
type Result struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// RunConfig is the parsed form of the module settings.
type RunConfig struct {
	Hosts       []string
	Ports       []int
	Timeout     time.Duration
	Concurrency int
	Handler     string
}

func (m *Module) runConfig() (RunConfig, error) {
	cfg := RunConfig{
		Hosts:   splitList(m.settings.String("hosts")),
		Handler: m.settings.String("handler"),
	}
	if len(cfg.Hosts) == 0 {
		return cfg, fmt.Errorf("hosts cannot be empty")
	}
	ports, err := ParsePorts(m.settings.String("ports"))
	if err != nil {
		return cfg, err
	}
	cfg.Ports = ports
	if cfg.Timeout, err = time.ParseDuration(m.settings.String("timeout")); err != nil || cfg.Timeout <= 0 {
		return cfg, fmt.Errorf("invalid timeout %q", m.settings.String("timeout"))
	}
	if cfg.Concurrency, err = strconv.Atoi(m.settings.String("concurrency")); err != nil || cfg.Concurrency <= 0 {
		return cfg, fmt.Errorf("invalid concurrency %q", m.settings.String("concurrency"))
	}
	if err := findings.CheckHandler(cfg.Handler); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Run probes every host in turn.
func (m *Module) Run(ctx context.Context) error {
	cfg, err := m.runConfig()
	if err != nil {
		return err
	}
	out := m.env.Out
	for _, host := range cfg.Hosts {
		results, err := Probe(ctx, host, cfg.Ports, cfg.Timeout, cfg.Concurrency)
		if err != nil {
			return err
		}

		fmt.Fprintln(out, host)
		fmt.Fprintln(out, strings.Repeat("-", 30))
		for _, r := range results {
			fmt.Fprintf(out, "%s open\n", net.JoinHostPort(r.Host, strconv.Itoa(r.Port)))
		}
		if len(results) == 0 {
			fmt.Fprintln(out, "No open ports found in provided set.")
		}
		if m.env.Logger != nil {
			m.env.Logger.Info("port scan finished", zap.String("host", host), zap.Int("open", len(results)))
		}

		scan := &store.Scan{
			Target:  host,
			Config:  settingsConfig(m.settings),
			Reports: results,
		}
		if err := findings.Emit(ctx, m.env, cfg.Handler, "port_scanner", scan, results); err != nil {
			return fmt.Errorf("failed to record results for %s: %w", host, err)
		}
	}
	return nil
}

// Probe performs concurrent TCP connect attempts and returns the open ports
// sorted ascending.
func Probe(ctx context.Context, host string, ports []int, dialTimeout time.Duration, concurrency int) ([]Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	out := make([]Result, 0, 8)
	dialer := &net.Dialer{Timeout: dialTimeout}

	for _, p := range ports {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, dialTimeout)
			conn, err := dialer.DialContext(cctx, "tcp", net.JoinHostPort(host, strconv.Itoa(p)))
			cancel()
			if err == nil {
				_ = conn.Close()
				mu.Lock()
				out = append(out, Result{Host: host, Port: p})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return out, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// ParsePorts parses "22,80,8000-8010" into a de-duplicated list in input order.
func ParsePorts(s string) ([]int, error) {
	seen := make(map[int]bool)
	var ports []int
	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	for _, part := range splitList(s) {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parsePort(hi); err != nil {
				return nil, err
			}
			if end < start {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
		}
		for p := start; p <= end; p++ {
			add(p)
		}
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports specified")
	}
	return ports, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

// FormatPorts is the inverse of ParsePorts for plain lists.
func FormatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

func settingsConfig(s modkit.Settings) map[string]any {
	cfg := make(map[string]any, len(s))
	for k := range s {
		cfg[k] = s.String(k)
	}
	return cfg
}
