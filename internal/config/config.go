package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models curbkey.yml.
type Config struct {
	Venue struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"venue"`
	Lifecycle struct {
		MaxDelayMinutes           int `yaml:"max_delay_minutes"`
		RescheduleMinSecondsAhead int `yaml:"reschedule_min_seconds_ahead"`
		RescheduleMaxPerRequest   int `yaml:"reschedule_max_per_request"`
		RescheduleCooldownSeconds int `yaml:"reschedule_cooldown_seconds"`
		CancelMinSecondsAhead     int `yaml:"cancel_min_seconds_ahead"`
		CancelCooldownSeconds     int `yaml:"cancel_cooldown_seconds"`
	} `yaml:"lifecycle"`
	Scheduler struct {
		IntervalSeconds   int `yaml:"interval_seconds"`
		BatchSize         int `yaml:"batch_size"`
		StaleClaimSeconds int `yaml:"stale_claim_seconds"`
	} `yaml:"scheduler"`
	Outbox struct {
		IntervalSeconds   int `yaml:"interval_seconds"`
		DrainLimit        int `yaml:"drain_limit"`
		RetryOlderThan    int `yaml:"retry_older_than_seconds"`
		MaxRetries        int `yaml:"max_retries"`
		StaleClaimSeconds int `yaml:"stale_claim_seconds"`
	} `yaml:"outbox"`
	Feed struct {
		PollSeconds        int `yaml:"poll_seconds"`
		MaxSessionSeconds  int `yaml:"max_session_seconds"`
		MaxEventsPerWakeup int `yaml:"max_events_per_wakeup"`
	} `yaml:"feed"`
	Recommend struct {
		WindowHours     int     `yaml:"window_hours"`
		MaxReadySec     int     `yaml:"max_ready_seconds"`
		QueuePenaltySec float64 `yaml:"queue_penalty_seconds"`
	} `yaml:"recommend"`
	Claim struct {
		CodeExpiryHours   int `yaml:"code_expiry_hours"`
		RateWindowSeconds int `yaml:"rate_window_seconds"`
		RateMaxAttempts   int `yaml:"rate_max_attempts"`
	} `yaml:"claim"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ck init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Venue.ID == "" {
		return fmt.Errorf("config.venue.id is required")
	}
	if c.Lifecycle.MaxDelayMinutes <= 0 {
		return fmt.Errorf("config.lifecycle.max_delay_minutes must be positive")
	}
	if c.Lifecycle.RescheduleMaxPerRequest < 0 {
		return fmt.Errorf("config.lifecycle.reschedule_max_per_request must not be negative")
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("config.scheduler.interval_seconds must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("config.scheduler.batch_size must be positive")
	}
	if c.Outbox.DrainLimit <= 0 {
		return fmt.Errorf("config.outbox.drain_limit must be positive")
	}
	if c.Outbox.MaxRetries <= 0 {
		return fmt.Errorf("config.outbox.max_retries must be positive")
	}
	if c.Feed.PollSeconds <= 0 {
		return fmt.Errorf("config.feed.poll_seconds must be positive")
	}
	if c.Feed.MaxSessionSeconds <= c.Feed.PollSeconds {
		return fmt.Errorf("config.feed.max_session_seconds must exceed poll_seconds")
	}
	if c.Recommend.WindowHours <= 0 {
		return fmt.Errorf("config.recommend.window_hours must be positive")
	}
	if c.Recommend.QueuePenaltySec < 0 {
		return fmt.Errorf("config.recommend.queue_penalty_seconds must not be negative")
	}
	if c.Claim.RateMaxAttempts <= 0 {
		return fmt.Errorf("config.claim.rate_max_attempts must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "curbkey.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(venueID string) string {
	return fmt.Sprintf(defaultTemplate, venueID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a venue.
func Default(venueID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, venueID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `venue:
  id: %s
  name: Demo Garage

lifecycle:
  max_delay_minutes: 120
  reschedule_min_seconds_ahead: 30
  reschedule_max_per_request: 3
  reschedule_cooldown_seconds: 10
  cancel_min_seconds_ahead: 10
  cancel_cooldown_seconds: 10

scheduler:
  interval_seconds: 60
  batch_size: 100
  stale_claim_seconds: 300

outbox:
  interval_seconds: 30
  drain_limit: 50
  retry_older_than_seconds: 30
  max_retries: 5
  stale_claim_seconds: 300

feed:
  poll_seconds: 1
  max_session_seconds: 50
  max_events_per_wakeup: 50

recommend:
  window_hours: 24
  max_ready_seconds: 1800
  queue_penalty_seconds: 30

claim:
  code_expiry_hours: 6
  rate_window_seconds: 300
  rate_max_attempts: 15
`
