package reactor

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/coremodel"
)

// weatherReading 天气源上报的单条测量
type weatherReading struct {
	CPID        string  `json:"cp_id"`
	Temperature float64 `json:"temperature"`
}

// WeatherSubscriber 订阅 MQTT 天气主题，把低温测量转成 Reactor 信号。
// 低于阈值发 ALERT_COLD，回升到阈值及以上发 WEATHER_OK。
type WeatherSubscriber struct {
	client    mqtt.Client
	topic     string
	threshold float64
	reactor   *Reactor
	logger    *zap.Logger
}

// NewWeatherSubscriber 创建订阅器
func NewWeatherSubscriber(client mqtt.Client, topic string, threshold float64, r *Reactor, logger *zap.Logger) *WeatherSubscriber {
	return &WeatherSubscriber{
		client:    client,
		topic:     topic,
		threshold: threshold,
		reactor:   r,
		logger:    logger,
	}
}

// Start 连接并订阅
func (w *WeatherSubscriber) Start() error {
	if token := w.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	if token := w.client.Subscribe(w.topic, 1, w.onMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", w.topic, token.Error())
	}
	w.logger.Info("weather subscriber started",
		zap.String("topic", w.topic),
		zap.Float64("threshold", w.threshold))
	return nil
}

// Stop 退订并断开
func (w *WeatherSubscriber) Stop() {
	if token := w.client.Unsubscribe(w.topic); token.Wait() && token.Error() != nil {
		w.logger.Warn("mqtt unsubscribe failed", zap.Error(token.Error()))
	}
	w.client.Disconnect(250)
}

func (w *WeatherSubscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var reading weatherReading
	if err := json.Unmarshal(msg.Payload(), &reading); err != nil {
		w.logger.Warn("malformed weather reading",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
		return
	}
	if reading.CPID == "" {
		w.logger.Warn("weather reading missing cp_id")
		return
	}
	sig := Signal{
		CPID:        coremodel.CPID(reading.CPID),
		Temperature: reading.Temperature,
		Detail:      fmt.Sprintf("temperature %.1f°C (threshold %.1f°C)", reading.Temperature, w.threshold),
	}
	if reading.Temperature < w.threshold {
		sig.Kind = SignalColdAlert
	} else {
		sig.Kind = SignalWeatherOK
	}
	w.reactor.Submit(sig)
}

// NewMQTTClient 按统一选项构建 MQTT 客户端
func NewMQTTClient(broker, clientID string) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true)
	return mqtt.NewClient(opts)
}
