package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/libs/core-push-go/pkg/push"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	p := writeFile(t, "a.yml", "auth:\n  secret: s3cret\n")
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, ":7101", c.HTTP.Addr)
	assert.Equal(t, 5*time.Second, c.Stream.AuthTimeout)
	assert.Equal(t, 15*time.Second, c.Stream.PingInterval)
	assert.Equal(t, 45*time.Second, c.Stream.PongTimeout)
	assert.Equal(t, 256, c.Stream.SendBuffer)
	assert.Equal(t, 60*time.Second, c.Datagram.TTL)
	assert.Equal(t, 5*time.Second, c.Datagram.SweepInterval)
	assert.Equal(t, 4, c.Datagram.Retries)
	assert.Equal(t, 500*time.Millisecond, c.Datagram.RetryBase)
	assert.Equal(t, 4*time.Second, c.Datagram.RetryMax)
	assert.Equal(t, 3, c.Progress.PersistRetries)
	assert.Equal(t, StoreMemory, c.Progress.Store)
	assert.Equal(t, "Bearer ", c.Auth.BearerPrefix)
	assert.Equal(t, "manga_chapter_release", c.RocketMQ.Consumer.Topic)
	assert.False(t, c.Redis.On())
}

func TestLoadMergesFilesInOrder(t *testing.T) {
	common := writeFile(t, "common.yml", `
auth:
  secret: first
redis:
  enabled: "Y"
  host: 10.0.0.5
  port: 6380
stream:
  ping_interval: 10s
`)
	svc := writeFile(t, "svc.yml", `
auth:
  secret: second
progress:
  store: Redis
stream:
  addr: ":9000"
  send_buffer: 64
`)
	c, err := Load(common + ", " + svc)
	require.NoError(t, err)
	assert.Equal(t, "second", c.Auth.Secret)
	assert.Equal(t, "10.0.0.5", c.Redis.Host)
	assert.Equal(t, 6380, c.Redis.Port)
	assert.True(t, c.Redis.On())
	assert.Equal(t, StoreRedis, c.Progress.Store)
	assert.Equal(t, ":9000", c.Stream.Addr)
	assert.Equal(t, 64, c.Stream.SendBuffer)
	assert.Equal(t, 30*time.Second, c.Stream.PongTimeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("  ")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yml", "stream: [unclosed"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HTTP_ADDR":            ":8080",
		"JWT_SECRET":           "from-env",
		"REDIS_ADDR":           "cache:6390",
		"REDIS_DB":             "2",
		"NODE_ID":              "7",
		"PROGRESS_STORE":       "mysql",
		"MYSQL_DSN":            "u:p@tcp(db:3306)/manga",
		"ROCKETMQ_NAME_SERVER": "ns:9876",
	}
	var c Config
	require.NoError(t, c.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	c.applyDefaults()

	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "from-env", c.Auth.Secret)
	assert.Equal(t, "cache", c.Redis.Host)
	assert.Equal(t, 6390, c.Redis.Port)
	assert.Equal(t, 2, c.Redis.Database)
	assert.True(t, c.Redis.On())
	assert.Equal(t, uint16(7), c.NodeID)
	assert.Equal(t, StoreMySQL, c.Progress.Store)
	assert.Equal(t, "ns:9876", c.RocketMQ.NameServer)
	assert.NoError(t, c.Validate())

	for k, v := range map[string]string{"REDIS_DB": "x", "NODE_ID": "70000", "REDIS_ADDR": "h:0"} {
		var c Config
		err := c.applyEnv(func(key string) (string, bool) {
			if key == k {
				return v, true
			}
			return "", false
		})
		assert.Error(t, err, k)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.Auth.Secret = "s"
		c.applyDefaults()
		return c
	}
	require.NoError(t, func() error { c := base(); return c.Validate() }())

	cases := map[string]func(c *Config){
		"unknown store":       func(c *Config) { c.Progress.Store = "etcd" },
		"redis store off":     func(c *Config) { c.Progress.Store = StoreRedis },
		"mysql store, no dsn": func(c *Config) { c.Progress.Store = StoreMySQL },
		"library without dsn": func(c *Config) { c.Progress.RequireLibrary = true },
		"session check":       func(c *Config) { c.Auth.SessionCheck = true },
		"no auth":             func(c *Config) { c.Auth.Secret = "" },
		"pong before ping":    func(c *Config) { c.Stream.PongTimeout = c.Stream.PingInterval },
		"mirror without mq":   func(c *Config) { c.Progress.Mirror = true },
		"mq without ns":       func(c *Config) { c.RocketMQ.Enabled = push.FlagOn },
	}
	for name, mut := range cases {
		c := base()
		mut(&c)
		assert.Error(t, c.Validate(), name)
	}

	c := base()
	c.Auth.Secret = ""
	c.Auth.Static = map[string]StaticUser{"dev": {UserID: "u1", Username: "dev"}}
	assert.NoError(t, c.Validate())
}
