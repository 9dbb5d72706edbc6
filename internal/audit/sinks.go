package audit

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/coremodel"
)

// RedisSink 将审计事件发布到 Redis 频道
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink 创建 Redis Sink
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, rec coremodel.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// MQTTSink 将审计事件发布到 MQTT 主题
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTSink 创建 MQTT Sink
func NewMQTTSink(client mqtt.Client, topic string, qos byte) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, qos: qos}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(_ context.Context, rec coremodel.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	tok := s.client.Publish(s.topic, s.qos, false, data)
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// AuditStore 审计记录持久化
type AuditStore interface {
	SaveAudit(ctx context.Context, rec coremodel.AuditRecord) error
}

// StoreSink 将审计事件写入持久化存储
type StoreSink struct {
	store AuditStore
}

// NewStoreSink 创建持久化 Sink
func NewStoreSink(store AuditStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Publish(ctx context.Context, rec coremodel.AuditRecord) error {
	return s.store.SaveAudit(ctx, rec)
}

// ZapSink 将审计事件落结构化日志，作为兜底 Sink
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink 创建日志 Sink
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Name() string { return "zap" }

func (s *ZapSink) Publish(_ context.Context, rec coremodel.AuditRecord) error {
	s.logger.Info("audit",
		zap.String("record_id", rec.ID),
		zap.Time("ts", rec.Timestamp),
		zap.String("actor", rec.Actor),
		zap.String("kind", string(rec.Kind)),
		zap.Any("payload", rec.Payload))
	return nil
}
