package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models propline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Workflow struct {
		MaxClarificationRounds int  `yaml:"max_clarification_rounds"`
		AutoAbandon            bool `yaml:"auto_abandon"`
	} `yaml:"workflow"`
	Validation struct {
		TimeoutHours       int `yaml:"timeout_hours"`
		ProceedWindowHours int `yaml:"proceed_window_hours"`
	} `yaml:"validation"`
	Sweep struct {
		JobName           string `yaml:"job_name"`
		IntervalMinutes   int    `yaml:"interval_minutes"`
		GraceMinutes      int    `yaml:"grace_minutes"`
		RemindAfterDays   int    `yaml:"remind_after_days"`
		EscalateAfterDays int    `yaml:"escalate_after_days"`
		DeadlineAlertDays int    `yaml:"deadline_alert_days"`
		AbandonAfterDays  int    `yaml:"abandon_after_days"`
		FollowupAfterDays int    `yaml:"followup_after_days"`
	} `yaml:"sweep"`
	Escalation struct {
		Recipient string `yaml:"recipient"`
	} `yaml:"escalation"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Actions        []string `yaml:"actions,omitempty" json:"actions,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// ValidationTimeout returns the default timeout for a validation request.
func (c *Config) ValidationTimeout() time.Duration {
	return time.Duration(c.Validation.TimeoutHours) * time.Hour
}

// ProceedWindow returns how long the proposal stage waits on a validation
// batch before assuming unanswered requests.
func (c *Config) ProceedWindow() time.Duration {
	return time.Duration(c.Validation.ProceedWindowHours) * time.Hour
}

// SweepGrace returns how long a started-but-unfinished sweep run blocks the
// next one.
func (c *Config) SweepGrace() time.Duration {
	return time.Duration(c.Sweep.GraceMinutes) * time.Minute
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Workflow.MaxClarificationRounds <= 0 {
		return fmt.Errorf("config.workflow.max_clarification_rounds must be positive")
	}
	if c.Validation.TimeoutHours <= 0 {
		return fmt.Errorf("config.validation.timeout_hours must be positive")
	}
	if c.Validation.ProceedWindowHours <= 0 {
		return fmt.Errorf("config.validation.proceed_window_hours must be positive")
	}
	if c.Sweep.JobName == "" {
		return fmt.Errorf("config.sweep.job_name is required")
	}
	if c.Sweep.GraceMinutes <= 0 {
		return fmt.Errorf("config.sweep.grace_minutes must be positive")
	}
	days := map[string]int{
		"remind_after_days":   c.Sweep.RemindAfterDays,
		"escalate_after_days": c.Sweep.EscalateAfterDays,
		"deadline_alert_days": c.Sweep.DeadlineAlertDays,
		"abandon_after_days":  c.Sweep.AbandonAfterDays,
		"followup_after_days": c.Sweep.FollowupAfterDays,
	}
	for name, v := range days {
		if v <= 0 {
			return fmt.Errorf("config.sweep.%s must be positive", name)
		}
	}
	if c.Sweep.RemindAfterDays >= c.Sweep.EscalateAfterDays {
		return fmt.Errorf("config.sweep.remind_after_days must be below escalate_after_days")
	}
	if c.Sweep.EscalateAfterDays >= c.Sweep.AbandonAfterDays {
		return fmt.Errorf("config.sweep.escalate_after_days must be below abandon_after_days")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "propline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

const defaultTemplate = `project:
  id: %s

workflow:
  max_clarification_rounds: 3
  auto_abandon: false

validation:
  timeout_hours: 48
  proceed_window_hours: 48

sweep:
  job_name: project_tracking
  interval_minutes: 60
  grace_minutes: 30
  remind_after_days: 3
  escalate_after_days: 5
  deadline_alert_days: 7
  abandon_after_days: 14
  followup_after_days: 30

escalation:
  recipient: manager@company.com
`
