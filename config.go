package main

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime knobs for the service.
type Config struct {
	HTTPAddr        string
	RedisAddr       string
	AdminToken      string
	SessionIdleTime time.Duration

	PNPublishKey   string
	PNSubscribeKey string
	PNSecretKey    string
	PNUUIDKey      string
	PNUUIDSubKey   string
}

// LoadConfig reads configuration from the environment with defaults.
func LoadConfig() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("ADMIN_TOKEN", "safebox-admin")
	v.SetDefault("SESSION_IDLE_MINUTES", 15)

	return Config{
		HTTPAddr:        v.GetString("HTTP_ADDR"),
		RedisAddr:       v.GetString("REDIS_ADDR"),
		AdminToken:      v.GetString("ADMIN_TOKEN"),
		SessionIdleTime: time.Duration(v.GetInt("SESSION_IDLE_MINUTES")) * time.Minute,
		PNPublishKey:    v.GetString("PN_PUBLISH_KEY"),
		PNSubscribeKey:  v.GetString("PN_SUBSCRIBE_KEY"),
		PNSecretKey:     v.GetString("PN_SECRET_KEY"),
		PNUUIDKey:       v.GetString("PN_UUID_KEY"),
		PNUUIDSubKey:    v.GetString("PN_UUID_SUB_KEY"),
	}
}
