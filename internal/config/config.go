package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/internal/validation"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Config represents the node configuration
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Radio    RadioConfig    `yaml:"radio"`
	Driver   DriverConfig   `yaml:"driver"`
	Uplink   UplinkConfig   `yaml:"uplink"`
	Join     JoinConfig     `yaml:"join"`
	Log      LogConfig      `yaml:"log"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	JWT      JWTConfig      `yaml:"jwt"`
}

// DeviceConfig holds the OTAA identity and the MAC version registered for
// the device on the network server.
type DeviceConfig struct {
	JoinEUI    string `yaml:"join_eui" validate:"required,hex=8"`
	DevEUI     string `yaml:"dev_eui" validate:"required,hex=8"`
	NwkKey     string `yaml:"nwk_key" validate:"required,hex=16"`
	AppKey     string `yaml:"app_key" validate:"hex=16"`
	MACVersion string `yaml:"mac_version" validate:"required,oneof=1.0.2|1.0.3|1.0.4|1.1"`
}

// RadioConfig describes how the radio is powered and wired
type RadioConfig struct {
	GPIOChip       string    `yaml:"gpio_chip"`
	PowerPin       int       `yaml:"power_pin" validate:"min=0"`
	PowerActiveLow bool      `yaml:"power_active_low"`
	SwitchPin      int       `yaml:"switch_pin" validate:"min=0"`
	SwitchMode     string    `yaml:"switch_mode" validate:"required,oneof=external-gpio|internal-dio"`
	DryRun         bool      `yaml:"dry_run"`
	Bus            BusConfig `yaml:"bus"`
}

// BusConfig describes the link to the radio module
type BusConfig struct {
	Type     string `yaml:"type" validate:"required,oneof=serial|none"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate" validate:"min=1200"`
}

// DriverConfig selects and configures the radio/MAC driver
type DriverConfig struct {
	Type       string        `yaml:"type" validate:"required,oneof=semtech-udp"`
	Server     string        `yaml:"server" validate:"required"`
	GatewayEUI string        `yaml:"gateway_eui" validate:"required,hex=8"`
	Band       string        `yaml:"band" validate:"required,oneof=EU868|US915|AU915|AS923|CN470|CN779|EU433|IN865|KR920|RU864"`
	DataRate   int           `yaml:"data_rate" validate:"min=0,max=15"`
	AckTimeout time.Duration `yaml:"ack_timeout" validate:"min=10ms"`
	RXMargin   time.Duration `yaml:"rx_margin"`
}

// UplinkConfig configures the periodic uplink
type UplinkConfig struct {
	Interval time.Duration `yaml:"interval" validate:"required,min=1s"`
	Payload  string        `yaml:"payload" validate:"required,hex=0,max=444"`
	FPort    int           `yaml:"fport" validate:"required,min=1,max=223"`
}

// JoinConfig configures rejoining after a failed join. A zero interval
// leaves the device without a session until restart.
type JoinConfig struct {
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace|debug|info|warn|error"`
	Format string `yaml:"format" validate:"oneof=console|json"`
}

// NATSConfig represents NATS configuration. An empty URL disables the
// status publisher.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT configuration. An empty broker disables the
// status publisher.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            int           `yaml:"qos" validate:"min=0,max=2"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// DatabaseConfig represents database configuration. An empty DSN disables
// session and event persistence.
type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	SessionKey string `yaml:"session_key" validate:"hex=16"`
}

// APIConfig represents the diagnostics API configuration
type APIConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port" validate:"min=1,max=65535"`
	PasswordHash string `yaml:"password_hash"`
	HistorySize  int    `yaml:"history_size" validate:"min=1"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	overrides := map[string]*string{
		"LOG_LEVEL":         &c.Log.Level,
		"NATS_URL":          &c.NATS.URL,
		"MQTT_BROKER":       &c.MQTT.Broker,
		"DATABASE_URL":      &c.Database.DSN,
		"JWT_SECRET":        &c.JWT.Secret,
		"NODE_DEV_EUI":      &c.Device.DevEUI,
		"NODE_JOIN_EUI":     &c.Device.JoinEUI,
		"NODE_NWK_KEY":      &c.Device.NwkKey,
		"NODE_APP_KEY":      &c.Device.AppKey,
		"NODE_MAC_VERSION":  &c.Device.MACVersion,
		"NODE_GATEWAY_ADDR": &c.Driver.Server,
	}

	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

func (c *Config) setDefaults() {
	if c.Device.MACVersion == "" {
		c.Device.MACVersion = "1.0.3"
	}
	if c.Device.AppKey == "" {
		c.Device.AppKey = c.Device.NwkKey
	}

	if c.Radio.GPIOChip == "" {
		c.Radio.GPIOChip = "gpiochip0"
	}
	if c.Radio.SwitchMode == "" {
		c.Radio.SwitchMode = "internal-dio"
	}
	if c.Radio.Bus.Type == "" {
		c.Radio.Bus.Type = "none"
	}
	if c.Radio.Bus.Type == "serial" && c.Radio.Bus.BaudRate == 0 {
		c.Radio.Bus.BaudRate = 115200
	}

	if c.Driver.Type == "" {
		c.Driver.Type = "semtech-udp"
	}
	if c.Driver.Band == "" {
		c.Driver.Band = "EU868"
	}
	if c.Driver.DataRate == 0 {
		c.Driver.DataRate = 5
	}
	if c.Driver.AckTimeout == 0 {
		c.Driver.AckTimeout = 2 * time.Second
	}
	if c.Driver.RXMargin == 0 {
		c.Driver.RXMargin = 500 * time.Millisecond
	}

	if c.Uplink.Interval == 0 {
		c.Uplink.Interval = 60 * time.Second
	}
	if c.Uplink.Payload == "" {
		c.Uplink.Payload = "48656C6C6F"
	}
	if c.Uplink.FPort == 0 {
		c.Uplink.FPort = 1
	}

	if c.Join.RetryInterval > 0 && c.Join.RetryMaxInterval < c.Join.RetryInterval {
		c.Join.RetryMaxInterval = 32 * c.Join.RetryInterval
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "lorawan-node-" + strings.ToLower(c.Device.DevEUI)
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "lorawan-node"
	}
	if c.MQTT.PublishTimeout == 0 {
		c.MQTT.PublishTimeout = 2 * time.Second
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.API.HistorySize == 0 {
		c.API.HistorySize = 100
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
}

// Validate checks field formats and cross-field constraints.
func (c *Config) Validate() error {
	if err := validation.NewValidator().Validate(c); err != nil {
		return err
	}

	if c.Radio.Bus.Type == "serial" && c.Radio.Bus.Port == "" {
		return fmt.Errorf("radio.bus.port: required for serial bus")
	}
	if c.Radio.SwitchMode == "external-gpio" && c.Radio.SwitchPin == c.Radio.PowerPin {
		return fmt.Errorf("radio.switch_pin: must differ from power_pin")
	}
	if c.Database.DSN != "" && c.Database.SessionKey == "" {
		return fmt.Errorf("database.session_key: required when dsn is set")
	}
	if c.API.Enabled && c.API.PasswordHash != "" && c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret: required when api.password_hash is set")
	}

	version, _ := lorawan.ParseMACVersion(c.Device.MACVersion)
	if version.Is11() && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn: required for mac_version 1.1 to keep the DevNonce counter across restarts")
	}
	if !version.Is11() && !strings.EqualFold(c.Device.NwkKey, c.Device.AppKey) {
		log.Warn().
			Str("macVersion", c.Device.MACVersion).
			Msg("nwk_key and app_key differ; LoRaWAN 1.0.x uses nwk_key as the only root key")
	}

	return nil
}

// Identity returns the parsed device identity and MAC version.
func (c *DeviceConfig) Identity() (driver.Identity, lorawan.MACVersion, error) {
	var id driver.Identity
	var err error

	if id.JoinEUI, err = lorawan.ParseEUI64(c.JoinEUI); err != nil {
		return id, 0, fmt.Errorf("join_eui: %w", err)
	}
	if id.DevEUI, err = lorawan.ParseEUI64(c.DevEUI); err != nil {
		return id, 0, fmt.Errorf("dev_eui: %w", err)
	}
	if id.NwkKey, err = lorawan.ParseAES128Key(c.NwkKey); err != nil {
		return id, 0, fmt.Errorf("nwk_key: %w", err)
	}
	if id.AppKey, err = lorawan.ParseAES128Key(c.AppKey); err != nil {
		return id, 0, fmt.Errorf("app_key: %w", err)
	}

	version, err := lorawan.ParseMACVersion(c.MACVersion)
	if err != nil {
		return id, 0, fmt.Errorf("mac_version: %w", err)
	}

	return id, version, nil
}

// PayloadBytes returns the decoded uplink payload.
func (c *UplinkConfig) PayloadBytes() ([]byte, error) {
	return hex.DecodeString(c.Payload)
}

// SessionKeyBytes returns the key used to encrypt stored sessions.
func (c *DatabaseConfig) SessionKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.SessionKey)
}

// PrintConfigSummary prints a configuration summary with keys masked.
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Node Configuration ===\n")
	fmt.Printf("DevEUI: %s  JoinEUI: %s\n", c.Device.DevEUI, c.Device.JoinEUI)
	fmt.Printf("NwkKey: %s  AppKey: %s\n", mask(c.Device.NwkKey), mask(c.Device.AppKey))
	fmt.Printf("MAC Version: %s\n", c.Device.MACVersion)
	fmt.Printf("Radio: power pin %d (active low %v), rf switch %s on pin %d, bus %s %s\n",
		c.Radio.PowerPin, c.Radio.PowerActiveLow, c.Radio.SwitchMode, c.Radio.SwitchPin,
		c.Radio.Bus.Type, c.Radio.Bus.Port)
	fmt.Printf("Driver: %s -> %s (gateway %s, band %s, DR%d)\n",
		c.Driver.Type, c.Driver.Server, c.Driver.GatewayEUI, c.Driver.Band, c.Driver.DataRate)
	fmt.Printf("Uplink: every %s on port %d, payload %s\n", c.Uplink.Interval, c.Uplink.FPort, c.Uplink.Payload)

	if c.Join.RetryInterval > 0 {
		fmt.Printf("Rejoin: every %s, backing off to %s\n", c.Join.RetryInterval, c.Join.RetryMaxInterval)
	} else {
		fmt.Printf("Rejoin: disabled\n")
	}

	fmt.Printf("NATS: %s  MQTT: %s  Database: %v  API: %v\n",
		orNone(c.NATS.URL), orNone(c.MQTT.Broker), c.Database.DSN != "", c.API.Enabled)
	fmt.Printf("==================================\n")
}

func mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
