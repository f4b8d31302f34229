package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "fuelterminal/backend/libs/config"
	"fuelterminal/backend/services/terminal-service/internal/presence"
	"fuelterminal/backend/services/terminal-service/internal/statemachine"
)

// Config defines terminal service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"TERMINAL_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"TERMINAL_DB_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr" env:"TERMINAL_REDIS_ADDR"`
		Password string        `yaml:"password" env:"TERMINAL_REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"TERMINAL_REDIS_DB"`
		BayTTL   time.Duration `yaml:"bayTtl" env:"TERMINAL_REDIS_BAY_TTL"`
	} `yaml:"redis"`
	MQTT struct {
		Brokers  []string `yaml:"brokers" env:"TERMINAL_MQTT_BROKERS"`
		ClientID string   `yaml:"clientId" env:"TERMINAL_MQTT_CLIENT_ID"`
		Username string   `yaml:"username" env:"TERMINAL_MQTT_USERNAME"`
		Password string   `yaml:"password" env:"TERMINAL_MQTT_PASSWORD"`
		QoS      byte     `yaml:"qos" env:"TERMINAL_MQTT_QOS"`
	} `yaml:"mqtt"`
	Dispenser struct {
		URL           string        `yaml:"url" env:"TERMINAL_DISPENSER_URL"`
		PresetTimeout time.Duration `yaml:"presetTimeout" env:"TERMINAL_DISPENSER_PRESET_TIMEOUT"`
		ProbeTimeout  time.Duration `yaml:"probeTimeout" env:"TERMINAL_DISPENSER_PROBE_TIMEOUT"`
	} `yaml:"dispenser"`
	Notifier struct {
		URL     string        `yaml:"url" env:"TERMINAL_NOTIFIER_URL"`
		Timeout time.Duration `yaml:"timeout" env:"TERMINAL_NOTIFIER_TIMEOUT"`
	} `yaml:"notifier"`
	Presence struct {
		DwellThreshold  time.Duration `yaml:"dwellThreshold" env:"TERMINAL_PRESENCE_DWELL"`
		StalenessWindow time.Duration `yaml:"stalenessWindow" env:"TERMINAL_PRESENCE_STALENESS"`
		ExpectedCadence time.Duration `yaml:"expectedCadence" env:"TERMINAL_PRESENCE_CADENCE"`
	} `yaml:"presence"`
	Pin struct {
		Length     int           `yaml:"length" env:"TERMINAL_PIN_LENGTH"`
		TTL        time.Duration `yaml:"ttl" env:"TERMINAL_PIN_TTL"`
		BcryptCost int           `yaml:"bcryptCost" env:"TERMINAL_PIN_BCRYPT_COST"`
	} `yaml:"pin"`
	Kiosk struct {
		JWTSecret string `yaml:"jwtSecret" env:"TERMINAL_KIOSK_JWT_SECRET"`
	} `yaml:"kiosk"`
	WebSocket struct {
		PingInterval time.Duration `yaml:"pingInterval" env:"TERMINAL_WS_PING_INTERVAL"`
		WriteTimeout time.Duration `yaml:"writeTimeout" env:"TERMINAL_WS_WRITE_TIMEOUT"`
	} `yaml:"websocket"`
	Terminal struct {
		RequirePresence bool `yaml:"requirePresence" env:"TERMINAL_REQUIRE_PRESENCE"`
	} `yaml:"terminal"`
}

// Load configuration via shared helper.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8090"
	cfg.Redis.BayTTL = 12 * time.Hour
	cfg.MQTT.ClientID = "terminal-service"
	cfg.MQTT.QoS = 1
	cfg.Dispenser.PresetTimeout = 15 * time.Second
	cfg.Dispenser.ProbeTimeout = 5 * time.Second
	cfg.Notifier.Timeout = 5 * time.Second
	def := presence.DefaultConfig()
	cfg.Presence.DwellThreshold = def.DwellThreshold
	cfg.Presence.StalenessWindow = def.StalenessWindow
	cfg.Presence.ExpectedCadence = def.ExpectedCadence
	cfg.Pin.Length = 6
	cfg.Pin.TTL = 300 * time.Second
	cfg.Pin.BcryptCost = 10
	cfg.WebSocket.PingInterval = 30 * time.Second
	cfg.WebSocket.WriteTimeout = 10 * time.Second

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if err := c.PresenceConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Dispenser.PresetTimeout <= 0 || c.Dispenser.ProbeTimeout <= 0 {
		return errors.New("config: dispenser timeouts must be positive")
	}
	if c.Dispenser.PresetTimeout >= statemachine.DispatchStaleAfter {
		return fmt.Errorf("config: dispenser preset timeout must be below %s", statemachine.DispatchStaleAfter)
	}
	if c.Notifier.Timeout <= 0 {
		return errors.New("config: notifier timeout must be positive")
	}
	if c.Pin.Length < 4 || c.Pin.Length > 12 {
		return fmt.Errorf("config: pin length %d out of range 4..12", c.Pin.Length)
	}
	if c.Pin.TTL <= 0 {
		return errors.New("config: pin ttl must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return errors.New("config: websocket intervals must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt qos %d is invalid", c.MQTT.QoS)
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// PresenceConfig returns the detector timers.
func (c *Config) PresenceConfig() presence.Config {
	return presence.Config{
		DwellThreshold:  c.Presence.DwellThreshold,
		StalenessWindow: c.Presence.StalenessWindow,
		ExpectedCadence: c.Presence.ExpectedCadence,
	}
}

// MQTTEnabled reports whether at least one broker is set.
func (c *Config) MQTTEnabled() bool {
	for _, b := range c.MQTT.Brokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}
