package cache

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/env"
)

// limiterDatabase keeps rate limiter counters apart from the job queue (DB 0).
const limiterDatabase = 1

// NewFiberStorage returns a fiber.Storage on the same Redis server as the
// shared client, so API rate limits hold across instances.
func NewFiberStorage() fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if c := GetClient(); c != nil {
		if h, p, err := net.SplitHostPort(c.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := c.Options().Password; p != "" {
			password = p
		}
	}
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("LIMITER_CACHE_DB", limiterDatabase),
		Reset:    false,
	})
}
