package queue

import (
	"fmt"

	"github.com/busybox42/sendline/internal/config"
)

// Open builds the queue and control set selected by cfg
func Open(cfg config.QueueConfig) (Queue, Control, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(cfg.VisibilityTimeout.Duration), NewMemoryControl(), nil
	case "redis":
		rc := RedisConfig{
			Addr:       cfg.Addr,
			Password:   cfg.Password,
			Database:   cfg.Database,
			Prefix:     cfg.Prefix,
			Visibility: cfg.VisibilityTimeout.Duration,
		}
		client := newRedisClient(rc)
		if err := ping(client, rc.Timeout); err != nil {
			return nil, nil, err
		}
		return NewRedisQueueWithClient(client, rc.Prefix, rc.Visibility), &sharedControl{NewRedisControlWithClient(client, rc.Prefix)}, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// sharedControl leaves closing the client to the queue it shares it with
type sharedControl struct {
	*RedisControl
}

func (sharedControl) Close() error { return nil }
