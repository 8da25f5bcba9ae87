package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yuim/libs/core-push-go/pkg/push"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMySQL  = "mysql"
)

type Config struct {
	Env    string `yaml:"env"`
	NodeID uint16 `yaml:"node_id"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":7101"
	} `yaml:"http"`

	Stream struct {
		Addr         string        `yaml:"addr"` // ":7102", empty disables the raw TCP listener
		AuthTimeout  time.Duration `yaml:"auth_timeout"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SendBuffer   int           `yaml:"send_buffer"`
		MaxFrame     int           `yaml:"max_frame"`
		RateLimit    float64       `yaml:"rate_limit"`
		RateBurst    int           `yaml:"rate_burst"`
	} `yaml:"stream"`

	Datagram struct {
		Addr          string        `yaml:"addr"` // ":7103", empty disables UDP
		TTL           time.Duration `yaml:"ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		AuthTimeout   time.Duration `yaml:"auth_timeout"`
		Workers       int           `yaml:"workers"`
		QueueSize     int           `yaml:"queue_size"`
		Retries       int           `yaml:"retries"`
		RetryBase     time.Duration `yaml:"retry_base"`
		RetryMax      time.Duration `yaml:"retry_max"`
		MaxPending    int           `yaml:"max_pending"`
	} `yaml:"datagram"`

	Fanout struct {
		Partitions int `yaml:"partitions"`
		QueueSize  int `yaml:"queue_size"`
	} `yaml:"fanout"`

	Auth struct {
		Secret       string `yaml:"secret"`
		Header       string `yaml:"header"`
		BearerPrefix string `yaml:"bearer_prefix"`
		QueryKey     string `yaml:"query_key"`
		// SessionCheck also requires the token's redis session key to exist.
		SessionCheck bool `yaml:"session_check"`
		// Static tokens for local runs; used only when Secret is empty.
		Static map[string]StaticUser `yaml:"static"`
	} `yaml:"auth"`

	Progress struct {
		Store          string        `yaml:"store"` // memory | redis | mysql
		PersistRetries int           `yaml:"persist_retries"`
		RetryBase      time.Duration `yaml:"retry_base"`
		RetryMax       time.Duration `yaml:"retry_max"`
		RequireLibrary bool          `yaml:"require_library"`
		Mirror         bool          `yaml:"mirror"`
	} `yaml:"progress"`

	Breaker struct {
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	Chat struct {
		MaxBody  int `yaml:"max_body"`
		MaxRooms int `yaml:"max_rooms"`
	} `yaml:"chat"`

	Ingest struct {
		DedupeTTL time.Duration `yaml:"dedupe_ttl"`
	} `yaml:"ingest"`

	TitleCache struct {
		TTL     time.Duration `yaml:"ttl"`
		MaxSize int           `yaml:"max_size"`
	} `yaml:"title_cache"`

	MySQL struct {
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
	} `yaml:"mysql"`

	// redis: and rocketmq: blocks shared with the other services.
	push.Settings `yaml:",inline"`
}

type StaticUser struct {
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username"`
}

// Load supports comma-separated config files: "-c common.yml,im-presence.yml".
// Later files override earlier ones; environment variables override both.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-presence.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7101"
	}

	if c.Stream.AuthTimeout <= 0 {
		c.Stream.AuthTimeout = 5 * time.Second
	}
	if c.Stream.PingInterval <= 0 {
		c.Stream.PingInterval = 15 * time.Second
	}
	if c.Stream.PongTimeout <= 0 {
		c.Stream.PongTimeout = 3 * c.Stream.PingInterval
	}
	if c.Stream.WriteTimeout <= 0 {
		c.Stream.WriteTimeout = 5 * time.Second
	}
	if c.Stream.SendBuffer <= 0 {
		c.Stream.SendBuffer = 256
	}

	if c.Datagram.TTL <= 0 {
		c.Datagram.TTL = 60 * time.Second
	}
	if c.Datagram.SweepInterval <= 0 {
		c.Datagram.SweepInterval = 5 * time.Second
	}
	if c.Datagram.Retries <= 0 {
		c.Datagram.Retries = 4
	}
	if c.Datagram.RetryBase <= 0 {
		c.Datagram.RetryBase = 500 * time.Millisecond
	}
	if c.Datagram.RetryMax <= 0 {
		c.Datagram.RetryMax = 4 * time.Second
	}

	if c.Auth.Header == "" {
		c.Auth.Header = "Authorization"
	}
	if c.Auth.BearerPrefix == "" {
		c.Auth.BearerPrefix = "Bearer "
	}
	if c.Auth.QueryKey == "" {
		c.Auth.QueryKey = "token"
	}

	c.Progress.Store = strings.ToLower(strings.TrimSpace(c.Progress.Store))
	if c.Progress.Store == "" {
		c.Progress.Store = StoreMemory
	}
	if c.Progress.PersistRetries <= 0 {
		c.Progress.PersistRetries = 3
	}

	if c.Ingest.DedupeTTL <= 0 {
		c.Ingest.DedupeTTL = 24 * time.Hour
	}
	if c.TitleCache.TTL <= 0 {
		c.TitleCache.TTL = 5 * time.Minute
	}

	c.Settings = c.Settings.WithDefaults()
}

// applyEnv overlays deployment overrides. lookup is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("STREAM_ADDR", &c.Stream.Addr)
	str("DATAGRAM_ADDR", &c.Datagram.Addr)
	str("JWT_SECRET", &c.Auth.Secret)
	str("MYSQL_DSN", &c.MySQL.DSN)
	str("ROCKETMQ_NAME_SERVER", &c.RocketMQ.NameServer)
	str("PROGRESS_STORE", &c.Progress.Store)
	str("REDIS_PASSWORD", &c.Redis.Password)

	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		host, port, err := splitHostPort(v)
		if err != nil {
			return fmt.Errorf("REDIS_ADDR: %w", err)
		}
		c.Redis.Host, c.Redis.Port = host, port
		c.Redis.Enabled = push.FlagOn
	}
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.Database = n
	}
	if v, ok := lookup("NODE_ID"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("NODE_ID: %w", err)
		}
		c.NodeID = uint16(n)
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	if !strings.Contains(addr, ":") {
		return addr, 6379, nil
	}
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", ps)
	}
	return host, port, nil
}

// Validate reports settings that would fail at startup anyway.
func (c *Config) Validate() error {
	switch c.Progress.Store {
	case StoreMemory:
	case StoreRedis:
		if !c.Redis.On() {
			return errors.New("progress.store=redis requires redis.enabled")
		}
	case StoreMySQL:
		if c.MySQL.DSN == "" {
			return errors.New("progress.store=mysql requires mysql.dsn")
		}
	default:
		return fmt.Errorf("progress.store: unknown store %q", c.Progress.Store)
	}
	if c.Progress.RequireLibrary && c.MySQL.DSN == "" {
		return errors.New("progress.require_library requires mysql.dsn")
	}
	if c.Auth.SessionCheck && !c.Redis.On() {
		return errors.New("auth.session_check requires redis.enabled")
	}
	if c.Auth.Secret == "" && len(c.Auth.Static) == 0 {
		return errors.New("auth: set auth.secret (or JWT_SECRET) or auth.static tokens")
	}
	if c.Stream.PongTimeout <= c.Stream.PingInterval {
		return errors.New("stream.pong_timeout must exceed stream.ping_interval")
	}
	if c.Progress.Mirror && !c.RocketMQ.On() {
		return errors.New("progress.mirror requires rocketmq.enabled")
	}
	if c.RocketMQ.On() && c.RocketMQ.NameServer == "" {
		return errors.New("rocketmq.enabled requires rocketmq.name-server")
	}
	return nil
}
