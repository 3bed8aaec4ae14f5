// Package admin is the operational control plane: a redis channel that
// accepts kill-session / close-stream commands from operators, and a
// websocket endpoint that pushes stream lifecycle events to dashboards.
package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AgustinSRG/mia-rtmp-server/internal/config"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// SetupRedisCommandReceiver subscribes to the configured redis channel
// and applies operator commands to the registry. Blocks; run in its own
// goroutine.
func SetupRedisCommandReceiver(cfg *config.Config, registry *router.Registry) {
	if !cfg.RedisUse {
		return // Not using redis
	}

	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				rtlog.Error(errors.New(x))
			case error:
				rtlog.Error(x)
			default:
				rtlog.Error(errors.New("could not connect to redis"))
			}
		}
		rtlog.Warning("Connection to Redis lost!")
	}()

	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.RedisTLS {
		redisClient = redis.NewClient(&redis.Options{
			Addr:      cfg.RedisHost + ":" + cfg.RedisPort,
			Password:  cfg.RedisPassword,
			TLSConfig: &tls.Config{},
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisHost + ":" + cfg.RedisPort,
			Password: cfg.RedisPassword,
		})
	}

	subscriber := redisClient.Subscribe(ctx, cfg.RedisChannel)

	rtlog.Info("[REDIS] Listening for commands on channel '" + cfg.RedisChannel + "'")

	for {
		msg, err := subscriber.ReceiveMessage(ctx)
		if err != nil {
			rtlog.Warning("Could not connect to Redis: " + err.Error())
			time.Sleep(10 * time.Second)
		} else {
			parseRedisCommand(registry, msg.Payload)
		}
	}
}

// parseRedisCommand applies one operator command of the form
// name>arg1|arg2.
func parseRedisCommand(registry *router.Registry, cmd string) {
	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				rtlog.Error(errors.New(x))
			case error:
				rtlog.Error(x)
			default:
				rtlog.Error(errors.New("parsing error"))
			}
			rtlog.Warning("Could not parse message: " + cmd)
		}
	}()

	parts := strings.Split(cmd, ">")
	if len(parts) != 2 {
		rtlog.Warning("Invalid message from Redis: " + cmd)
		return // Invalid message
	}

	cmdName := parts[0]
	cmdArgs := strings.Split(parts[1], "|")

	switch cmdName {
	case "kill-session", "close-stream":
		if len(cmdArgs) < 1 {
			rtlog.Warning("Invalid message from Redis: " + cmd)
			return
		}
		streamURL := cmdArgs[0]
		if err := registry.KillPublisher(streamURL); err != nil {
			rtlog.Warning("Could not kill publisher of '" + streamURL + "': " + err.Error())
		}
	default:
		rtlog.Warning("Unknown Redis command: " + cmd)
	}
}
