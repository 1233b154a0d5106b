package datalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis sink settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
	Keep     int    `yaml:"keep" json:"keep"` // entries kept per session list
}

// Redis publishes every entry on a pub/sub channel and keeps the most recent
// ones per session in a list.
type Redis struct {
	client  *redis.Client
	channel string
	keep    int64
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Channel == "" {
		cfg.Channel = "obd:log"
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 1000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	log.Infof("redis sink connected to %s", cfg.Addr)
	return &Redis{client: client, channel: cfg.Channel, keep: int64(cfg.Keep)}, nil
}

func sessionKey(session string) string {
	if session == "" {
		session = "none"
	}
	return fmt.Sprintf("obd:%s:log", session)
}

func (r *Redis) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	key := sessionKey(e.Session)
	pipe := r.client.Pipeline()
	pipe.Publish(ctx, r.channel, data)
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.keep-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Close() error {
	return r.client.Close()
}
