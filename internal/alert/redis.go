package alert

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"signal-trader/internal/config"
)

// streamMaxLen 为告警流的近似长度上限，通过 XADD MAXLEN ~ 修剪。
const streamMaxLen int64 = 1000

type redisCommander interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisNotifier 通过 Pub/Sub 推送实时告警，同时追加到 Stream 留档。
type RedisNotifier struct {
	rdb     redisCommander
	closer  func() error
	channel string
	stream  string
}

// NewRedisNotifier 根据配置连接 Redis 并校验连通性。
func NewRedisNotifier(ctx context.Context, cfg config.AlertConfig) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("alert: 连接 redis %s 失败: %w", cfg.RedisAddr, err)
	}

	n := newRedisNotifier(client, cfg.Channel, cfg.Stream)
	n.closer = client.Close
	return n, nil
}

func newRedisNotifier(rdb redisCommander, channel, stream string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel, stream: stream}
}

// Notify 实现 Notifier。
func (n *RedisNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: 序列化告警失败: %w", err)
	}

	var result error
	if n.channel != "" {
		if pubErr := n.rdb.Publish(ctx, n.channel, payload).Err(); pubErr != nil {
			result = multierr.Append(result, fmt.Errorf("alert: publish %s: %w", n.channel, pubErr))
		}
	}
	if n.stream != "" {
		args := &redis.XAddArgs{
			Stream: n.stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"level":   string(a.Level),
				"payload": payload,
			},
		}
		if addErr := n.rdb.XAdd(ctx, args).Err(); addErr != nil {
			result = multierr.Append(result, fmt.Errorf("alert: xadd %s: %w", n.stream, addErr))
		}
	}
	return result
}

// Close 关闭底层连接。
func (n *RedisNotifier) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
