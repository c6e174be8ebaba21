// Package cfg holds the application configuration registered as flags and
// filled from the environment by the composition root.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config carries every tunable of the engine. Fields bind to flags via
// RegisterFlags and to SCREAMING_SNAKE env vars by the go-core cfg filler.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ClaudeAPIKey    string
	ClaudeModel     string
	ClaudeMaxTokens int

	JiraBaseURL  string
	JiraEmail    string
	JiraAPIToken string

	SlackWebhookURL string

	PrometheusEndpoint string
	PrometheusQuery    string
	LokiEndpoint       string
	LokiTenantID       string
	LokiSelector       string

	CacheTTLHours         int
	TimeWindowMinutes     int
	MaxSimilarIncidents   int
	MaxRetries            int
	RetryBaseDelayMS      int
	QueueConcurrency      int
	StallIntervalSeconds  int
	PatternDetection      bool
	MinPatternOccurrences int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API endpoints (empty = no auth)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for cache and locks (empty = in-memory cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.IntVar(&c.ClaudeMaxTokens, "claude-max-tokens", 2048, "maximum tokens per summarization response")

	fs.StringVar(&c.JiraBaseURL, "jira-base-url", "", "Jira site root URL (empty = no issue tracker)")
	fs.StringVar(&c.JiraEmail, "jira-email", "", "Jira account email for basic auth")
	fs.StringVar(&c.JiraAPIToken, "jira-api-token", "", "Jira API token for basic auth")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for incident metrics gathering")
	fs.StringVar(&c.PrometheusQuery, "prometheus-query", `sum by (service) (rate(http_requests_total{code=~"5.."}[5m]))`, "PromQL expression evaluated over the incident window")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for incident log gathering")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiSelector, "loki-selector", `{env="prod"} |= "error"`, "LogQL selector queried over the incident window")

	fs.IntVar(&c.CacheTTLHours, "cache-ttl-hours", 24, "staleness window for cached analysis results (1..168)")
	fs.IntVar(&c.TimeWindowMinutes, "time-window-minutes", 60, "telemetry window handed to data sources (1..1440)")
	fs.IntVar(&c.MaxSimilarIncidents, "max-similar-incidents", 5, "similar incidents attached to the analysis context (1..20)")
	fs.IntVar(&c.MaxRetries, "max-retries", 3, "retry budget per queued job (1..10)")
	fs.IntVar(&c.RetryBaseDelayMS, "retry-base-delay-ms", 5000, "base delay for exponential retry backoff (>= 100)")
	fs.IntVar(&c.QueueConcurrency, "queue-concurrency", 2, "concurrent jobs per queue (1..32)")
	fs.IntVar(&c.StallIntervalSeconds, "stall-interval-seconds", 30, "stalled job detection interval (1..300)")
	fs.BoolVar(&c.PatternDetection, "pattern-detection", true, "enqueue pattern detection after each completed analysis")
	fs.IntVar(&c.MinPatternOccurrences, "min-pattern-occurrences", 3, "cluster size threshold for pattern detection (>= 2)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.ClaudeMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_MAX_TOKENS %d (must be > 0)", c.ClaudeMaxTokens))
	}

	// Jira auth fields travel together
	if c.JiraBaseURL != "" && (c.JiraEmail == "" || c.JiraAPIToken == "") {
		errs = append(errs, errors.New("JIRA_EMAIL and JIRA_API_TOKEN are required when JIRA_BASE_URL is set"))
	}

	if c.CacheTTLHours <= 0 || c.CacheTTLHours > 168 {
		errs = append(errs, fmt.Errorf("invalid CACHE_TTL_HOURS %d (must be 1..168)", c.CacheTTLHours))
	}
	if c.TimeWindowMinutes <= 0 || c.TimeWindowMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid TIME_WINDOW_MINUTES %d (must be 1..1440)", c.TimeWindowMinutes))
	}
	if c.MaxSimilarIncidents <= 0 || c.MaxSimilarIncidents > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_SIMILAR_INCIDENTS %d (must be 1..20)", c.MaxSimilarIncidents))
	}
	if c.MaxRetries <= 0 || c.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_RETRIES %d (must be 1..10)", c.MaxRetries))
	}
	if c.RetryBaseDelayMS < 100 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BASE_DELAY_MS %d (must be >= 100)", c.RetryBaseDelayMS))
	}
	if c.QueueConcurrency <= 0 || c.QueueConcurrency > 32 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_CONCURRENCY %d (must be 1..32)", c.QueueConcurrency))
	}
	if c.StallIntervalSeconds <= 0 || c.StallIntervalSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid STALL_INTERVAL_SECONDS %d (must be 1..300)", c.StallIntervalSeconds))
	}
	if c.MinPatternOccurrences < 2 {
		errs = append(errs, fmt.Errorf("invalid MIN_PATTERN_OCCURRENCES %d (must be >= 2)", c.MinPatternOccurrences))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
