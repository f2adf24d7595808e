package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Timing defaults.
const (
	DefaultResponseWindow     = 500 * time.Millisecond
	DefaultSessionTick        = 100 * time.Millisecond
	DefaultDoorGrace          = 5 * time.Second
	DefaultDoorCeilingTicks   = 300
	DefaultDoorPendingTimeout = 30 * time.Second
	DefaultEscalationInterval = 20 * time.Second
	DefaultOverdueLookback    = 72 * time.Hour
	DefaultReminderInterval   = 5 * time.Minute
	DefaultTimeoutMinutes     = 60
	DefaultBiometricThreshold = 96
	DefaultPegRetries         = 3
	DefaultLoginFailures      = 5
	DefaultLoginWindow        = time.Minute
)

type Timing struct {
	ResponseWindow     time.Duration `toml:"response_window"`
	SessionTick        time.Duration `toml:"session_tick"`
	DoorGrace          time.Duration `toml:"door_grace"`
	DoorCeilingTicks   int           `toml:"door_ceiling_ticks"`
	DoorPendingTimeout time.Duration `toml:"door_pending_timeout"`
	EscalationInterval time.Duration `toml:"escalation_interval"`
	OverdueLookback    time.Duration `toml:"overdue_lookback"`
	ReminderInterval   time.Duration `toml:"reminder_interval"`
}

type Policy struct {
	DefaultTimeoutMinutes int           `toml:"default_timeout_minutes"`
	BiometricThreshold    int           `toml:"biometric_threshold"`
	PegRetries            int           `toml:"peg_retries"`
	LoginFailures         int           `toml:"login_failures"`
	LoginWindow           time.Duration `toml:"login_window"`
	// AuthModes lists the enabled login methods: PIN, CARD, CARD_PIN, BIOMETRIC.
	AuthModes []string `toml:"auth_modes"`
	AdminMenu bool     `toml:"admin_menu"`
}

type MQTT struct {
	Broker   string `toml:"broker"` // empty disables alarm publishing
	ClientID string `toml:"client_id"`
	Topic    string `toml:"topic"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type Redis struct {
	Addr     string `toml:"addr"` // empty keeps the prompted set in sqlite
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Key      string `toml:"key"`
}

type Config struct {
	Env       string `toml:"env"` // "dev" | "prod"
	DBPath    string `toml:"db_path"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// StatusAddr serves gRPC health; HTTPAddr the JSON status API. Empty
	// disables the listener.
	StatusAddr string `toml:"status_addr"`
	HTTPAddr   string `toml:"http_addr"`

	// CAN
	CANInterface string `toml:"can_interface"`
	MaxStrips    int    `toml:"max_strips"`
	// DoorStrip, when non-zero, drives the door through that strip's
	// BOXLOCK and DOOR_SENSOR functions instead of the front panel.
	DoorStrip int `toml:"door_strip"`

	// Front panel; empty port uses the simulated panel.
	PanelPort string `toml:"panel_port"`
	PanelBaud int    `toml:"panel_baud"`

	Timing Timing `toml:"timing"`
	Policy Policy `toml:"policy"`
	MQTT   MQTT   `toml:"mqtt"`
	Redis  Redis  `toml:"redis"`
}

func Defaults() Config {
	return Config{
		Env:          "dev",
		DBPath:       "./data/keycabinet.db",
		LogLevel:     "info",
		LogFormat:    "json",
		StatusAddr:   ":9090",
		HTTPAddr:     ":8080",
		CANInterface: "can0",
		MaxStrips:    8,
		PanelBaud:    115200,
		Timing: Timing{
			ResponseWindow:     DefaultResponseWindow,
			SessionTick:        DefaultSessionTick,
			DoorGrace:          DefaultDoorGrace,
			DoorCeilingTicks:   DefaultDoorCeilingTicks,
			DoorPendingTimeout: DefaultDoorPendingTimeout,
			EscalationInterval: DefaultEscalationInterval,
			OverdueLookback:    DefaultOverdueLookback,
			ReminderInterval:   DefaultReminderInterval,
		},
		Policy: Policy{
			DefaultTimeoutMinutes: DefaultTimeoutMinutes,
			BiometricThreshold:    DefaultBiometricThreshold,
			PegRetries:            DefaultPegRetries,
			LoginFailures:         DefaultLoginFailures,
			LoginWindow:           DefaultLoginWindow,
			AuthModes:             []string{"PIN", "CARD", "CARD_PIN"},
		},
		MQTT: MQTT{
			ClientID: "keycabinet",
			Topic:    "keycabinet/alarms",
		},
		Redis: Redis{Key: "keycabinet:prompted"},
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty or the file does not exist), then CABINET_*
// environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load without a config file.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Env = strings.ToLower(getenvDefault("CABINET_ENV", cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}
	cfg.DBPath = getenvDefault("CABINET_DB_PATH", cfg.DBPath)
	cfg.LogLevel = getenvDefault("CABINET_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenvDefault("CABINET_LOG_FORMAT", cfg.LogFormat)
	cfg.StatusAddr = getenvDefault("CABINET_STATUS_ADDR", cfg.StatusAddr)
	cfg.HTTPAddr = getenvDefault("CABINET_HTTP_ADDR", cfg.HTTPAddr)

	cfg.CANInterface = getenvDefault("CABINET_CAN_INTERFACE", cfg.CANInterface)
	cfg.MaxStrips = getenvInt("CABINET_MAX_STRIPS", cfg.MaxStrips)
	cfg.DoorStrip = getenvInt("CABINET_DOOR_STRIP", cfg.DoorStrip)
	cfg.PanelPort = getenvDefault("CABINET_PANEL_PORT", cfg.PanelPort)
	cfg.PanelBaud = getenvInt("CABINET_PANEL_BAUD", cfg.PanelBaud)

	cfg.Timing.ResponseWindow = getenvDuration("CABINET_RESPONSE_WINDOW", cfg.Timing.ResponseWindow)
	cfg.Timing.EscalationInterval = getenvDuration("CABINET_ESCALATION_INTERVAL", cfg.Timing.EscalationInterval)
	cfg.Timing.ReminderInterval = getenvDuration("CABINET_REMINDER_INTERVAL", cfg.Timing.ReminderInterval)

	cfg.Policy.DefaultTimeoutMinutes = getenvInt("CABINET_DEFAULT_TIMEOUT_MINUTES", cfg.Policy.DefaultTimeoutMinutes)
	cfg.Policy.BiometricThreshold = getenvInt("CABINET_BIOMETRIC_THRESHOLD", cfg.Policy.BiometricThreshold)
	if modes := splitCSV(os.Getenv("CABINET_AUTH_MODES")); len(modes) > 0 {
		cfg.Policy.AuthModes = modes
	}
	if v := os.Getenv("CABINET_ADMIN_MENU"); v != "" {
		cfg.Policy.AdminMenu = strings.EqualFold(v, "true") || v == "1"
	}

	cfg.MQTT.Broker = getenvDefault("CABINET_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = getenvDefault("CABINET_MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.Username = getenvDefault("CABINET_MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenvDefault("CABINET_MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.Redis.Addr = getenvDefault("CABINET_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenvDefault("CABINET_REDIS_PASSWORD", cfg.Redis.Password)
}

// Validate rejects settings the controller cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxStrips < 1 || c.MaxStrips > 0xFD {
		errs = append(errs, fmt.Errorf("max_strips %d out of range 1..253", c.MaxStrips))
	}
	if c.Timing.ResponseWindow <= 0 || c.Timing.SessionTick <= 0 || c.Timing.EscalationInterval <= 0 {
		errs = append(errs, errors.New("timing intervals must be positive"))
	}
	if c.Policy.BiometricThreshold < 0 || c.Policy.BiometricThreshold > 100 {
		errs = append(errs, fmt.Errorf("biometric_threshold %d out of range 0..100", c.Policy.BiometricThreshold))
	}
	if len(c.Policy.AuthModes) == 0 {
		errs = append(errs, errors.New("at least one auth mode must be enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
