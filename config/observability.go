package config

import "time"

// ObservabilityConfig contains metrics configuration.
type ObservabilityConfig struct {
	// MetricsEnabled turns statsd emission on.
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"false"`

	// StatsdAddress is the UDP address metrics are sent to.
	StatsdAddress string `env:"STATSD_ADDRESS" envDefault:"localhost:8125"`
}

// Sanitize applies guardrails to observability configuration.
func (o *ObservabilityConfig) Sanitize() {
	if o.MetricsEnabled && o.StatsdAddress == "" {
		o.StatsdAddress = "localhost:8125"
	}
}

// IsEnabled returns true when metrics should be emitted.
func (o *ObservabilityConfig) IsEnabled() bool {
	return o.MetricsEnabled && o.StatsdAddress != ""
}

// NotificationsConfig contains notification delivery configuration.
type NotificationsConfig struct {
	// WebhookURL receives notification payloads as JSON POSTs. Empty falls
	// back to log-only delivery.
	WebhookURL string `env:"NOTIFY_WEBHOOK_URL" envDefault:""`

	// Timeout bounds one webhook delivery.
	Timeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to notification configuration.
func (n *NotificationsConfig) Sanitize() {
	if n.Timeout < time.Second {
		n.Timeout = time.Second
	}
}
