package config

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the cache that holds manager worker reports. A single address connects
// directly; several addresses, or a MasterName, select cluster or sentinel mode.
type RedisConfig struct {
	Addrs        []string `validate:"required,min=1"`
	MasterName   string
	DB           int `validate:"gte=0,lte=16"`
	Password     string
	PoolSize     int `validate:"gte=0"`
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        rc.Addrs,
		MasterName:   rc.MasterName,
		DB:           rc.DB,
		Password:     rc.Password,
		PoolSize:     rc.PoolSize,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	}
}
