package push

import (
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the shared infrastructure block every service reads from its
// yaml config ("redis:", "rocketmq:").
type Settings struct {
	RocketMQ RocketMQSettings `yaml:"rocketmq" json:"rocketmq"`
	Redis    RedisSettings    `yaml:"redis" json:"redis"`
}

// Flag is a Y/N switch. Yaml accepts y, yes, true, 1 and on in any case, as a
// string or a bool; anything else reads as off.
type Flag string

const (
	FlagOn  Flag = "Y"
	FlagOff Flag = "N"
)

func (f Flag) On() bool { return normalizeYN(string(f)) == "Y" }

func (f *Flag) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*f = Flag(normalizeYN(raw))
	return nil
}

type RocketMQSettings struct {
	Enabled    Flag             `yaml:"enabled" json:"enabled"`
	NameServer string           `yaml:"name-server" json:"nameServer"`
	Producer   RocketMQProducer `yaml:"producer" json:"producer"`
	Consumer   RocketMQConsumer `yaml:"consumer" json:"consumer"`
	// Topic receives mirrored progress events.
	Topic string `yaml:"topic" json:"topic"`
	Tag   string `yaml:"tag" json:"tag"`
}

type RocketMQProducer struct {
	AccessKey string `yaml:"access-key" json:"accessKey"`
	SecretKey string `yaml:"secret-key" json:"secretKey"`
	Group     string `yaml:"group" json:"group"`
}

// RocketMQConsumer subscribes to chapter-release events.
type RocketMQConsumer struct {
	Group string `yaml:"group" json:"group"`
	Topic string `yaml:"topic" json:"topic"`
	Tag   string `yaml:"tag" json:"tag"`
}

type RedisSettings struct {
	Enabled  Flag          `yaml:"enabled" json:"enabled"`
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Database int           `yaml:"database" json:"database"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	PoolSize int           `yaml:"pool-size" json:"poolSize"`
	MinIdle  int           `yaml:"min-idle" json:"minIdle"`
	// KeyPrefix namespaces every key this service writes.
	KeyPrefix string `yaml:"key-prefix" json:"keyPrefix"`
}

func (s Settings) WithDefaults() Settings {
	return Settings{RocketMQ: s.RocketMQ.withDefaults(), Redis: s.Redis.withDefaults()}
}

func (r RocketMQSettings) On() bool { return r.Enabled.On() }

func (r RocketMQSettings) withDefaults() RocketMQSettings {
	r.Enabled = Flag(normalizeYN(string(r.Enabled)))
	setDefault(&r.Producer.Group, "im-presence-producer")
	setDefault(&r.Consumer.Group, "im-presence-chapters")
	setDefault(&r.Consumer.Topic, "manga_chapter_release")
	setDefault(&r.Topic, "manga_progress")
	return r
}

func (r RedisSettings) On() bool { return r.Enabled.On() }

// Addr is host:port as go-redis expects it.
func (r RedisSettings) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r RedisSettings) withDefaults() RedisSettings {
	r.Enabled = Flag(normalizeYN(string(r.Enabled)))
	setDefault(&r.Host, "127.0.0.1")
	setDefault(&r.KeyPrefix, "mh:")
	if r.Port == 0 {
		r.Port = 6379
	}
	if r.Timeout == 0 {
		r.Timeout = 5 * time.Second
	}
	return r
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func normalizeYN(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "Y", "YES", "TRUE", "1", "ON":
		return "Y"
	}
	return "N"
}
