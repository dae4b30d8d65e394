package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tazhate/calendarmail/internal/domain"
)

const (
	DefaultPath         = "calendarmail.yml"
	defaultDatabasePath = "./data/calendarmail.db"
	defaultFetchTimeout = 30 * time.Second
	defaultInitialWait  = time.Minute
	defaultSMTPPort     = 587
	maxLookahead        = 366
)

// CalendarConfig is one remote calendar as written in the YAML file.
type CalendarConfig struct {
	Hostname           string `yaml:"hostname"`
	Address            string `yaml:"address"`
	Kind               string `yaml:"kind"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type ReminderConfig struct {
	Name          string   `yaml:"name"`
	DaysInAdvance int      `yaml:"days_in_advance"`
	CronTrigger   string   `yaml:"cron_trigger"`
	Receivers     []string `yaml:"receivers"`
	TelegramChats []int64  `yaml:"telegram_chats"`
}

type EmailServerConfig struct {
	Hostname   string `yaml:"hostname"`
	SMTPPort   int    `yaml:"smtp_port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	SSLConnect bool   `yaml:"ssl_connect"`
	From       string `yaml:"from"`
}

// Configured reports whether an SMTP server was given at all.
func (e EmailServerConfig) Configured() bool {
	return e.Hostname != ""
}

type TelegramConfig struct {
	Token string `yaml:"token"`
}

// Config is the whole calendarmail configuration. It is loaded once,
// normalized, validated and then passed by pointer into the components
// that need it; nothing mutates it after ResolveSecrets.
type Config struct {
	Timezone      string            `yaml:"timezone"`
	DatabasePath  string            `yaml:"database_path"`
	FetchTimeout  time.Duration     `yaml:"fetch_timeout"`
	InitialWait   time.Duration     `yaml:"initial_wait"`
	MetricsListen string            `yaml:"metrics_listen"`
	Calendars     []CalendarConfig  `yaml:"calendars"`
	Reminders     []ReminderConfig  `yaml:"reminders"`
	EmailServer   EmailServerConfig `yaml:"emailserver"`
	Telegram      TelegramConfig    `yaml:"telegram"`

	location *time.Location
}

// Load reads the YAML file at path, applies environment overrides and
// defaults. It does not validate; call Validate afterwards.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Err: fmt.Errorf("read %s: %w", path, err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &domain.ConfigError{Err: fmt.Errorf("parse %s: %w", path, err)}
	}

	cfg.applyEnv()
	cfg.Normalize()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if tz := os.Getenv("CALENDARMAIL_TIMEZONE"); tz != "" {
		c.Timezone = tz
	}
	if p := os.Getenv("CALENDARMAIL_DATABASE_PATH"); p != "" {
		c.DatabasePath = p
	}
	if l := os.Getenv("CALENDARMAIL_METRICS_LISTEN"); l != "" {
		c.MetricsListen = l
	}
}

// Normalize fills in defaults for zero values.
func (c *Config) Normalize() {
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.InitialWait <= 0 {
		c.InitialWait = defaultInitialWait
	}
	if c.EmailServer.Configured() && c.EmailServer.SMTPPort == 0 {
		c.EmailServer.SMTPPort = defaultSMTPPort
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		cal.Hostname = strings.TrimSpace(cal.Hostname)
		cal.Address = strings.TrimSpace(cal.Address)
		if cal.Kind == "" {
			cal.Kind = string(domain.KindWebDAV)
		}
		cal.Kind = strings.ToLower(cal.Kind)
		if cal.Hostname == "" {
			cal.Hostname = cal.Address
		}
	}
	for i := range c.Reminders {
		c.Reminders[i].Name = strings.TrimSpace(c.Reminders[i].Name)
		c.Reminders[i].CronTrigger = strings.TrimSpace(c.Reminders[i].CronTrigger)
	}
}

// Validate checks the configuration. Fatal problems are collected into a
// single ConfigError; non-fatal ones come back as warnings.
func (c *Config) Validate() ([]string, error) {
	var problems, warnings []string

	loc := time.Local
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			problems = append(problems, fmt.Sprintf("invalid timezone %q: %v", c.Timezone, err))
		} else {
			loc = l
		}
	}
	c.location = loc

	for i, cal := range c.Calendars {
		if !domain.CalendarKind(cal.Kind).Valid() {
			problems = append(problems, fmt.Sprintf("calendar %d (%s): unknown kind %q", i, cal.Hostname, cal.Kind))
		}
		if cal.Address == "" {
			warnings = append(warnings, fmt.Sprintf("calendar %d has no address and will be skipped", i))
		}
	}

	seen := make(map[string]bool, len(c.Reminders))
	needsMail := false
	for i, r := range c.Reminders {
		if r.Name == "" {
			problems = append(problems, fmt.Sprintf("reminder %d has no name", i))
			continue
		}
		if seen[r.Name] {
			problems = append(problems, fmt.Sprintf("duplicate reminder name %q", r.Name))
		}
		seen[r.Name] = true

		if r.DaysInAdvance < 0 {
			problems = append(problems, fmt.Sprintf("reminder %q: days_in_advance must be >= 0", r.Name))
		}
		if len(r.Receivers) == 0 && len(r.TelegramChats) == 0 {
			warnings = append(warnings, fmt.Sprintf("reminder %q has no receivers", r.Name))
		}
		if len(r.Receivers) > 0 {
			needsMail = true
		}
		for _, addr := range r.Receivers {
			if _, err := mail.ParseAddress(addr); err != nil {
				warnings = append(warnings, fmt.Sprintf("reminder %q: receiver %q is not a valid address", r.Name, addr))
			}
		}
		if len(r.TelegramChats) > 0 && c.Telegram.Token == "" {
			problems = append(problems, fmt.Sprintf("reminder %q has telegram_chats but telegram.token is empty", r.Name))
		}
	}

	if needsMail {
		if !c.EmailServer.Configured() {
			problems = append(problems, "emailserver.hostname is required when reminders have receivers")
		} else if c.EmailServer.From == "" {
			problems = append(problems, "emailserver.from is required")
		} else if _, err := mail.ParseAddress(c.EmailServer.From); err != nil {
			problems = append(problems, fmt.Sprintf("emailserver.from %q is not a valid address", c.EmailServer.From))
		}
	}

	if len(problems) > 0 {
		return warnings, &domain.ConfigError{Problems: problems}
	}
	return warnings, nil
}

// Location returns the configured timezone. Before Validate it is time.Local.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// Endpoints converts calendar entries into domain endpoints.
func (c *Config) Endpoints() []domain.Endpoint {
	out := make([]domain.Endpoint, 0, len(c.Calendars))
	for _, cal := range c.Calendars {
		out = append(out, domain.Endpoint{
			Hostname:           cal.Hostname,
			Address:            cal.Address,
			Kind:               domain.CalendarKind(cal.Kind),
			Username:           cal.Username,
			Password:           cal.Password,
			InsecureSkipVerify: cal.InsecureSkipVerify,
		})
	}
	return out
}

// ReminderDefinitions converts reminder entries into immutable domain values.
func (c *Config) ReminderDefinitions() []domain.Reminder {
	out := make([]domain.Reminder, 0, len(c.Reminders))
	for _, r := range c.Reminders {
		out = append(out, domain.Reminder{
			Name:          r.Name,
			DaysInAdvance: r.DaysInAdvance,
			CronTrigger:   r.CronTrigger,
			Receivers:     append([]string(nil), r.Receivers...),
			TelegramChats: append([]int64(nil), r.TelegramChats...),
		})
	}
	return out
}

// MaxLookahead returns the largest days_in_advance of all reminders, used as
// the recurrence expansion horizon by calendar sources.
func (c *Config) MaxLookahead() int {
	horizon := 0
	for _, r := range c.Reminders {
		if r.DaysInAdvance > horizon {
			horizon = r.DaysInAdvance
		}
	}
	if horizon > maxLookahead {
		horizon = maxLookahead
	}
	return horizon
}

// SecretResolver decrypts ENC(...) credentials.
type SecretResolver interface {
	Resolve(raw string) (string, error)
}

// ResolveSecrets returns a copy of the configuration with every password
// passed through r. The receiver is left untouched.
func (c *Config) ResolveSecrets(r SecretResolver) (*Config, error) {
	out := *c
	out.Calendars = append([]CalendarConfig(nil), c.Calendars...)

	for i := range out.Calendars {
		plain, err := r.Resolve(out.Calendars[i].Password)
		if err != nil {
			return nil, fmt.Errorf("calendar %s password: %w", out.Calendars[i].Hostname, err)
		}
		out.Calendars[i].Password = plain
	}

	plain, err := r.Resolve(out.EmailServer.Password)
	if err != nil {
		return nil, fmt.Errorf("emailserver password: %w", err)
	}
	out.EmailServer.Password = plain

	token, err := r.Resolve(out.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram token: %w", err)
	}
	out.Telegram.Token = token

	return &out, nil
}

// FindReminder returns the reminder definition with the given name.
func (c *Config) FindReminder(name string) (domain.Reminder, error) {
	for _, r := range c.ReminderDefinitions() {
		if r.Name == name {
			return r, nil
		}
	}
	return domain.Reminder{}, fmt.Errorf("%q: %w", name, domain.ErrReminderNotFound)
}

// IsConfigError reports whether err is a configuration problem.
func IsConfigError(err error) bool {
	var ce *domain.ConfigError
	return errors.As(err, &ce)
}
