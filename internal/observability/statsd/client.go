// Package statsd emits pipeline metrics over the StatsD UDP line protocol
// with datadog-style |# tags.
package statsd

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultPrefix namespaces every metric the service emits.
const DefaultPrefix = "clientpilot"

const dialTimeout = 5 * time.Second

// Sink is the minimal surface the services emit metrics through.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Config describes the StatsD endpoint. An empty Prefix falls back to
// DefaultPrefix; GlobalTags ride along on every metric and local tags with
// the same key win.
type Config struct {
	Enabled    bool
	Address    string
	Prefix     string
	Logger     *slog.Logger
	GlobalTags map[string]string
}

// Client is a fire-and-forget StatsD emitter: a failed write is logged at
// debug and dropped, never surfaced to the caller. Safe for concurrent use,
// including through a nil receiver.
type Client struct {
	prefix string
	global []tag
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

var _ Sink = (*Client)(nil)

type tag struct {
	key   string
	value string
}

// NewClient dials the endpoint unless disabled or the address is blank; in
// either case the returned client swallows emissions silently.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	c := &Client{
		prefix: prefix,
		global: mergeTags(cfg.GlobalTags, nil),
		logger: logger.With("component", "statsd"),
	}

	address := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || address == "" {
		return c, nil
	}

	conn, err := net.DialTimeout("udp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	c.conn = conn
	return c, nil
}

// Enabled reports whether emissions actually reach the wire.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Count increments a counter.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.emit(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge records the current value of a gauge.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.emit(name, formatFloat(value), "g", tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	c.emit(name, formatFloat(ms), "ms", tags)
}

// Close releases the connection. Further emissions become no-ops.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) emit(name, value, unit string, tags map[string]string) {
	if c == nil {
		return
	}
	metric := cleanName(name)
	if metric == "" {
		return
	}

	var line strings.Builder
	line.WriteString(c.prefix)
	line.WriteByte('.')
	line.WriteString(metric)
	line.WriteByte(':')
	line.WriteString(value)
	line.WriteByte('|')
	line.WriteString(unit)
	writeTags(&line, mergeTags(tags, c.global))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line.String())); err != nil {
		c.logger.Debug("statsd write dropped", "metric", metric, "error", err)
	}
}

// cleanName maps characters the line protocol reserves to underscores and
// collapses dot runs.
func cleanName(name string) string {
	n := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', ':', '|', '#', ',':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	for strings.Contains(n, "..") {
		n = strings.ReplaceAll(n, "..", ".")
	}
	return strings.Trim(n, ".")
}

// mergeTags overlays local tags on base, drops blank keys, and returns the
// result sorted by key so emitted lines are deterministic.
func mergeTags(local map[string]string, base []tag) []tag {
	if len(local) == 0 && len(base) == 0 {
		return nil
	}

	merged := make(map[string]string, len(local)+len(base))
	for _, t := range base {
		merged[t.key] = t.value
	}
	for k, v := range local {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		merged[key] = strings.TrimSpace(v)
	}

	out := make([]tag, 0, len(merged))
	for k, v := range merged {
		out = append(out, tag{key: k, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func writeTags(line *strings.Builder, tags []tag) {
	if len(tags) == 0 {
		return
	}
	line.WriteString("|#")
	for i, t := range tags {
		if i > 0 {
			line.WriteByte(',')
		}
		line.WriteString(t.key)
		line.WriteByte(':')
		line.WriteString(t.value)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
