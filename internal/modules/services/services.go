package services

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/findings"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/portscan"
	"github.com/tldr-it-stepankutaj/mop/internal/store"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// Module implements service detection through banner grabbing.
type Module struct {
	env      modules.Env
	settings modkit.Settings
}

func New(env modules.Env) *Module {
	return &Module{
		env: env,
		settings: modkit.Settings{
			"host": {
				Required:    true,
				Value:       "",
				Description: "Target host",
			},
			"ports": {
				Required:    true,
				Value:       "",
				Description: "Open ports to fingerprint, e.g. 22,80,443",
			},
			"timeout": {
				Value:       "3s",
				Description: "Connect and read timeout per port",
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
		Name:        "services",
		Revision:    "1.0.0",
		Description: "Service detection via banner grabbing and fingerprinting. Detected services are recorded as attack vectors.",
	}
}

func (m *Module) Params() map[string]modkit.Setting { return m.settings.Snapshot() }

func (m *Module) Set(key, value string) error { return m.settings.Set(key, value) }

// Result represents a detected service.
type Result struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	Service    string `json:"service"`
	Version    string `json:"version,omitempty"`
	Banner     string `json:"banner,omitempty"`
	Confidence int    `json:"confidence"` // 0-100
}

// Signature represents a pattern for identifying services.
type Signature struct {
	Name    string
	Pattern *regexp.Regexp
	Version *regexp.Regexp // optional: extracts version from banner
}

var signatures = []Signature{
	{Name: "SSH", Pattern: regexp.MustCompile(`^SSH-`), Version: regexp.MustCompile(`SSH-[\d.]+-(\S+)`)},
	{Name: "HTTP", Pattern: regexp.MustCompile(`^HTTP/|^<!DOCTYPE|^<html`), Version: regexp.MustCompile(`Server:\s*(\S+)`)},
	{Name: "SMTP", Pattern: regexp.MustCompile(`^220[- ].*(SMTP|mail)`), Version: regexp.MustCompile(`220[- ](\S+)`)},
	{Name: "FTP", Pattern: regexp.MustCompile(`^220[- ]`), Version: regexp.MustCompile(`220[- ].*?(\S+\s+FTP|\S+ftpd)`)},
	{Name: "POP3", Pattern: regexp.MustCompile(`^\+OK`), Version: regexp.MustCompile(`\+OK\s+(\S+)`)},
	{Name: "IMAP", Pattern: regexp.MustCompile(`^\* OK.*IMAP`), Version: regexp.MustCompile(`IMAP[^\s]*\s+(\S+)`)},
	{Name: "MySQL", Pattern: regexp.MustCompile(`mysql|MariaDB`), Version: regexp.MustCompile(`([\d.]+)-MariaDB|([\d.]+)-mysql`)},
	{Name: "Redis", Pattern: regexp.MustCompile(`-ERR.*redis|REDIS`), Version: regexp.MustCompile(`redis_version:([\d.]+)`)},
	{Name: "VNC", Pattern: regexp.MustCompile(`^RFB `), Version: regexp.MustCompile(`RFB ([\d.]+)`)},
}

var portHints = map[int]string{
	21:    "FTP",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	80:    "HTTP",
	110:   "POP3",
	143:   "IMAP",
	443:   "HTTPS",
	445:   "SMB",
	3306:  "MySQL",
	3389:  "RDP",
	5432:  "PostgreSQL",
	5900:  "VNC",
	6379:  "Redis",
	8080:  "HTTP-Proxy",
	27017: "MongoDB",
}

// Run fingerprints every configured port.
func (m *Module) Run(ctx context.Context) error {
	host := strings.TrimSpace(m.settings.String("host"))
	ports, err := portscan.ParsePorts(m.settings.String("ports"))
	if err != nil {
		return err
	}
	timeout, err := time.ParseDuration(m.settings.String("timeout"))
	if err != nil || timeout <= 0 {
		return fmt.Errorf("invalid timeout %q", m.settings.String("timeout"))
	}
	handler := m.settings.String("handler")
	if err := findings.CheckHandler(handler); err != nil {
		return err
	}

	results, err := Detect(ctx, host, ports, timeout)
	if err != nil {
		return err
	}

	out := m.env.Out
	for _, r := range results {
		switch {
		case r.Version != "":
			fmt.Fprintf(out, "%s:%d %s %s (%s)\n", r.Host, r.Port, r.Service, r.Version, truncate(r.Banner, 60))
		case r.Banner != "":
			fmt.Fprintf(out, "%s:%d %s (%s)\n", r.Host, r.Port, r.Service, truncate(r.Banner, 60))
		default:
			fmt.Fprintf(out, "%s:%d %s\n", r.Host, r.Port, r.Service)
		}
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No services detected.")
	}
	if m.env.Logger != nil {
		m.env.Logger.Info("service detection finished", zap.String("host", host), zap.Int("services", len(results)))
	}

	scan := &store.Scan{
		Target:  host,
		Config:  map[string]any{"ports": m.settings.String("ports"), "timeout": timeout.String()},
		Vectors: results,
	}
	return findings.Emit(ctx, m.env, handler, "services", scan, results)
}

// Detect connects to each port concurrently and returns what answered,
// sorted by port.
func Detect(ctx context.Context, host string, ports []int, timeout time.Duration) ([]Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(50)

	var mu sync.Mutex
	results := make([]Result, 0)
	for _, port := range ports {
		g.Go(func() error {
			if r := detectService(gctx, host, port, timeout); r != nil {
				mu.Lock()
				results = append(results, *r)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Port < results[j].Port })
	return results, nil
}

func detectService(ctx context.Context, host string, port int, timeout time.Duration) *Result {
	dialer := &net.Dialer{Timeout: timeout}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(connCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil
	}
	defer func() { _ = conn.Close() }()

	result := &Result{Host: host, Port: port, Protocol: "tcp", Service: "unknown"}
	if hint, ok := portHints[port]; ok {
		result.Service = hint
		result.Confidence = 30
	}

	banner := readBanner(conn, timeout)
	if banner != "" {
		result.Banner = banner
		match(result, banner, 80, 95)
	}

	// Some services wait for the client to speak first.
	if result.Confidence < 50 {
		probed := sendProbes(conn, timeout)
		if probed != "" && probed != banner {
			result.Banner = probed
			match(result, probed, 75, 90)
		}
	}
	return result
}

// match applies the first matching signature to r.
func match(r *Result, banner string, confidence, versionConfidence int) {
	for _, sig := range signatures {
		if !sig.Pattern.MatchString(banner) {
			continue
		}
		r.Service = sig.Name
		r.Confidence = confidence
		if sig.Version != nil {
			if matches := sig.Version.FindStringSubmatch(banner); len(matches) > 1 {
				for _, v := range matches[1:] {
					if v != "" {
						r.Version = v
						r.Confidence = versionConfidence
						break
					}
				}
			}
		}
		return
	}
}

func readBanner(conn net.Conn, timeout time.Duration) string {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return ""
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return ""
	}
	return sanitizeBanner(string(buf[:n]))
}

func sendProbes(conn net.Conn, timeout time.Duration) string {
	probes := [][]byte{
		[]byte("GET / HTTP/1.0\r\nHost: localhost\r\n\r\n"),
		[]byte("HELP\r\n"),
		[]byte("\r\n"),
	}
	for _, probe := range probes {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			continue
		}
		if _, err := conn.Write(probe); err != nil {
			continue
		}
		if banner := readBanner(conn, timeout); banner != "" {
			return banner
		}
	}
	return ""
}

func sanitizeBanner(s string) string {
	// Keep printable ASCII plus newlines/tabs.
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r < 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
