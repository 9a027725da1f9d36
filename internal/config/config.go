package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/hellojam/internal/collab"
)

const (
	DesignMesh = "mesh"
	DesignCRDT = "crdt"

	PresenceMemory = "memory"
	PresenceRedis  = "redis"
)

type Config struct {
	App struct {
		// dev | prod | test
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Session struct {
		// mesh | crdt
		Design   string `yaml:"design"`
		LobbyID  string `yaml:"lobby_id"`
		Username string `yaml:"username"`

		ElectionTimeout   string `yaml:"election_timeout"`
		ReconnectBackoff  string `yaml:"reconnect_backoff"`
		ConnectTimeout    string `yaml:"connect_timeout"`
		SyncDelay         string `yaml:"sync_delay"`
		MaxElectionRounds int    `yaml:"max_election_rounds"`
	} `yaml:"session"`

	Transport struct {
		// Vacío => memnet (todo en el mismo proceso).
		BrokerURL   string `yaml:"broker_url"`
		DialRetries int    `yaml:"dial_retries"`
	} `yaml:"transport"`

	Presence struct {
		Kind  string `yaml:"kind"`
		TTL   string `yaml:"ttl"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"presence"`

	Broker struct {
		Addr string `yaml:"addr"`
	} `yaml:"broker"`

	Metrics struct {
		// Vacío => sin endpoint /metrics propio.
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Load lee el YAML, completa defaults y aplica overrides de entorno.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return c.finish()
}

// LoadFromEnv arma la config sólo con defaults + entorno (sin YAML).
func LoadFromEnv() (*Config, error) {
	var c Config
	return c.finish()
}

func (c *Config) finish() (*Config, error) {
	c.applyDefaults()
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	d := collab.DefaultTimings()
	if c.Session.Design == "" {
		c.Session.Design = DesignMesh
	}
	if c.Session.LobbyID == "" {
		c.Session.LobbyID = collab.DefaultLobbyID
	}
	if c.Session.ElectionTimeout == "" {
		c.Session.ElectionTimeout = d.ElectionTimeout.String()
	}
	if c.Session.ReconnectBackoff == "" {
		c.Session.ReconnectBackoff = d.ReconnectBackoff.String()
	}
	if c.Session.ConnectTimeout == "" {
		c.Session.ConnectTimeout = d.ConnectTimeout.String()
	}
	if c.Session.SyncDelay == "" {
		c.Session.SyncDelay = d.SyncDelay.String()
	}
	if c.Session.MaxElectionRounds == 0 {
		c.Session.MaxElectionRounds = d.MaxElectionRounds
	}

	if c.Transport.DialRetries == 0 {
		c.Transport.DialRetries = 5
	}

	if c.Presence.Kind == "" {
		c.Presence.Kind = PresenceMemory
	}
	if c.Presence.TTL == "" {
		c.Presence.TTL = "15s"
	}
	if c.Presence.Redis.Prefix == "" {
		c.Presence.Redis.Prefix = "hellojam"
	}

	if c.Broker.Addr == "" {
		c.Broker.Addr = ":9000"
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvDur(key string) (string, bool) {
	if s, ok := getEnvStr(key); ok {
		s = strings.TrimSpace(s)
		if _, err := time.ParseDuration(s); err == nil {
			return s, true
		}
	}
	return "", false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP / LOG
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}

	// SESSION
	if v, ok := getEnvStr("SESSION_DESIGN"); ok {
		c.Session.Design = strings.ToLower(v)
	}
	if v, ok := getEnvStr("SESSION_LOBBY_ID"); ok {
		c.Session.LobbyID = v
	}
	if v, ok := getEnvStr("SESSION_USERNAME"); ok {
		c.Session.Username = v
	}
	if v, ok := getEnvDur("SESSION_ELECTION_TIMEOUT"); ok {
		c.Session.ElectionTimeout = v
	}
	if v, ok := getEnvDur("SESSION_RECONNECT_BACKOFF"); ok {
		c.Session.ReconnectBackoff = v
	}
	if v, ok := getEnvDur("SESSION_CONNECT_TIMEOUT"); ok {
		c.Session.ConnectTimeout = v
	}
	if v, ok := getEnvDur("SESSION_SYNC_DELAY"); ok {
		c.Session.SyncDelay = v
	}
	if v, ok := getEnvInt("SESSION_MAX_ELECTION_ROUNDS"); ok {
		c.Session.MaxElectionRounds = v
	}

	// TRANSPORT
	if v, ok := getEnvStr("TRANSPORT_BROKER_URL"); ok {
		c.Transport.BrokerURL = v
	}
	if v, ok := getEnvInt("TRANSPORT_DIAL_RETRIES"); ok {
		c.Transport.DialRetries = v
	}

	// PRESENCE
	if v, ok := getEnvStr("PRESENCE_KIND"); ok {
		c.Presence.Kind = strings.ToLower(v)
	}
	if v, ok := getEnvDur("PRESENCE_TTL"); ok {
		c.Presence.TTL = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Presence.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Presence.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Presence.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Presence.Redis.Prefix = v
	}

	// BROKER / METRICS
	if v, ok := getEnvStr("BROKER_ADDR"); ok {
		c.Broker.Addr = v
	}
	if v, ok := getEnvStr("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
}

// Validate revisa valores que romperían el arranque.
func (c *Config) Validate() error {
	switch c.Session.Design {
	case DesignMesh, DesignCRDT:
	default:
		return fmt.Errorf("config: session.design must be mesh or crdt, got %q", c.Session.Design)
	}
	switch c.Presence.Kind {
	case PresenceMemory:
	case PresenceRedis:
		if strings.TrimSpace(c.Presence.Redis.Addr) == "" {
			return fmt.Errorf("config: presence.redis.addr is required when presence.kind=redis")
		}
	default:
		return fmt.Errorf("config: presence.kind must be memory or redis, got %q", c.Presence.Kind)
	}
	for name, v := range map[string]string{
		"session.election_timeout":  c.Session.ElectionTimeout,
		"session.reconnect_backoff": c.Session.ReconnectBackoff,
		"session.connect_timeout":   c.Session.ConnectTimeout,
		"session.sync_delay":        c.Session.SyncDelay,
		"presence.ttl":              c.Presence.TTL,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.Session.MaxElectionRounds < 0 {
		return fmt.Errorf("config: session.max_election_rounds must not be negative")
	}
	if c.Transport.DialRetries < 0 {
		return fmt.Errorf("config: transport.dial_retries must not be negative")
	}
	return nil
}

// Timings proyecta el bloque session a collab.Timings. Asume Validate ok.
func (c *Config) Timings() collab.Timings {
	return collab.Timings{
		ElectionTimeout:   mustDur(c.Session.ElectionTimeout),
		ReconnectBackoff:  mustDur(c.Session.ReconnectBackoff),
		ConnectTimeout:    mustDur(c.Session.ConnectTimeout),
		SyncDelay:         mustDur(c.Session.SyncDelay),
		MaxElectionRounds: c.Session.MaxElectionRounds,
	}.WithDefaults()
}

// PresenceTTL devuelve presence.ttl parseado.
func (c *Config) PresenceTTL() time.Duration {
	return mustDur(c.Presence.TTL)
}

func mustDur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
