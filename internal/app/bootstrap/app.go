package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gridwise-code/ev-central/internal/api"
	"github.com/gridwise-code/ev-central/internal/api/middleware"
	"github.com/gridwise-code/ev-central/internal/audit"
	"github.com/gridwise-code/ev-central/internal/authorize"
	cfgpkg "github.com/gridwise-code/ev-central/internal/config"
	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/gateway"
	"github.com/gridwise-code/ev-central/internal/httpserver"
	"github.com/gridwise-code/ev-central/internal/ledger"
	"github.com/gridwise-code/ev-central/internal/metrics"
	"github.com/gridwise-code/ev-central/internal/reactor"
	"github.com/gridwise-code/ev-central/internal/registry"
	pgstorage "github.com/gridwise-code/ev-central/internal/storage/pg"
	redisstore "github.com/gridwise-code/ev-central/internal/storage/redis"
	"github.com/gridwise-code/ev-central/internal/tcpserver"
	"github.com/gridwise-code/ev-central/internal/verifier"
	"go.uber.org/zap"
)

// Run 统一启动流程：先就绪存储与业务引擎，最后才开放 TCP 入口，
// 保证首个连接进来时所有依赖已可用。
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting ev-central", zap.String("env", cfg.App.Env))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// ========== 阶段1: 指标与内存核心 ==========
	promReg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(promReg)
	metricsHandler := metrics.Handler(promReg)

	reg := registry.New(log)
	led := ledger.New()
	auditLog := audit.NewLog()
	log.Info("core components initialized")

	// ========== 阶段2: 外部存储（均可选，失败直接返回）==========
	var redisClient *redisstore.Client
	if cfg.Redis.Enabled {
		c, err := redisstore.NewClient(cfg.Redis)
		if err != nil {
			log.Error("redis initialization failed", zap.Error(err))
			return err
		}
		redisClient = c
		defer redisClient.Close()
		log.Info("redis ready", zap.String("addr", cfg.Redis.Addr))
	}

	var repo *pgstorage.Repository
	if cfg.Database.Enabled {
		pool, err := pgstorage.NewPool(rootCtx, cfg.Database.DSN,
			cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, log)
		if err != nil {
			log.Error("database initialization failed", zap.Error(err))
			return err
		}
		defer pool.Close()

		repo = &pgstorage.Repository{Pool: pool}
		if err := repo.EnsureSchema(rootCtx); err != nil {
			log.Error("schema migration failed", zap.Error(err))
			return err
		}
		log.Info("database ready")
	}

	var mqttClient mqtt.Client
	if cfg.Weather.Enabled {
		mqttClient = reactor.NewMQTTClient(cfg.Weather.Broker, cfg.Weather.ClientID)
	}

	// ========== 阶段3: 审计发布器 ==========
	sinks := []audit.Sink{audit.NewZapSink(log)}
	if redisClient != nil && cfg.Events.RedisChannel != "" {
		sinks = append(sinks, audit.NewRedisSink(redisClient.Client, cfg.Events.RedisChannel))
	}
	if repo != nil {
		sinks = append(sinks, audit.NewStoreSink(repo))
	}
	if mqttClient != nil && cfg.Events.MQTTTopic != "" {
		sinks = append(sinks, audit.NewMQTTSink(mqttClient, cfg.Events.MQTTTopic, 1))
	}
	pub := audit.NewPublisher(auditLog, log, sinks,
		audit.WithQueueSize(cfg.Events.QueueSize),
		audit.WithOnDrop(func() { appm.AuditDropped.Inc() }),
	)
	pub.Start(rootCtx, cfg.Events.Workers)
	log.Info("audit publisher started", zap.Int("sinks", len(sinks)), zap.Int("workers", cfg.Events.Workers))

	// ========== 阶段4: 业务引擎 ==========
	vf := verifier.New(cfg.Verifier.BaseURL, cfg.Verifier.Timeout)

	var ticketStore authorize.TicketStore
	if repo != nil {
		ticketStore = repo
	}
	engine := authorize.NewEngine(reg, led, pub, appm, ticketStore, log)

	rc := reactor.New(reg, engine, pub, appm, log)
	rc.Start(rootCtx)

	// ========== 阶段5: 预注册充电桩 ==========
	if err := seedRegistry(rootCtx, cfg, reg, vf, log); err != nil {
		return err
	}

	// ========== 阶段6: 网关与 TCP 服务 ==========
	hub := gateway.NewHub(log)
	gw := gateway.New(reg, led, engine, rc, pub, appm, vf, hub, cfg.TCP.MaxFrameBytes, log)

	tcpSrv := tcpserver.New(cfg.TCP, log)
	tcpSrv.SetMetricsCallbacks(
		func() { appm.TCPAccepted.Inc() },
		func(n int) { appm.TCPBytesReceived.Add(float64(n)) },
	)
	tcpSrv.SetHandler(gw.HandleConn)

	// ========== 阶段7: HTTP 服务（非阻塞）==========
	var tcpReady atomic.Bool
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, tcpReady.Load)
	if cfg.API.Enable {
		h := api.NewReadOnlyHandler(reg, led, auditLog)
		authCfg := middleware.AuthConfig{APIKeys: cfg.API.APIKeys, Enabled: len(cfg.API.APIKeys) > 0}
		api.RegisterRoutes(httpSrv.Engine(), h, authCfg, log)
	}
	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", cfg.HTTP.Addr))

	// ========== 阶段8: 开放 TCP 入口 ==========
	if err := tcpSrv.Start(); err != nil {
		log.Error("tcp server start failed", zap.Error(err))
		return err
	}
	tcpReady.Store(true)
	log.Info("tcp server started", zap.String("addr", cfg.TCP.Addr))

	// ========== 阶段9: 后台巡检 ==========
	wd := gateway.NewWatchdog(gw, cfg.Registry.HeartbeatTTL, cfg.Registry.SweepInterval, log)
	go wd.Run(rootCtx)

	var snap *redisstore.SnapshotStore
	if redisClient != nil {
		snap = redisstore.NewSnapshotStore(redisClient, 2*cfg.Registry.SweepInterval+cfg.Registry.HeartbeatTTL)
	}
	go snapshotLoop(rootCtx, reg, snap, appm, cfg.Registry.SweepInterval, log)

	var weather *reactor.WeatherSubscriber
	if cfg.Weather.Enabled && mqttClient != nil {
		weather = reactor.NewWeatherSubscriber(mqttClient, cfg.Weather.Topic, cfg.Weather.ThresholdCelsius, rc, log)
		if err := weather.Start(); err != nil {
			log.Error("weather subscriber start failed", zap.Error(err))
			return err
		}
		log.Info("weather subscriber started", zap.String("topic", cfg.Weather.Topic))
	}

	log.Info("all services ready, waiting for connections")

	// ========== 阶段10: 等待关闭信号，按依赖逆序收尾 ==========
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("received shutdown signal, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tcpReady.Store(false)
	_ = tcpSrv.Shutdown(ctx)
	log.Info("tcp server stopped")

	_ = httpSrv.Shutdown(ctx)
	log.Info("http server stopped")

	if weather != nil {
		weather.Stop()
	}

	rootCancel()
	<-rc.Done()
	pub.Wait()

	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}

	log.Info("shutdown complete")
	return nil
}

// seedRegistry 合并本地种子文件与注册中心清单，预登记充电桩。
// 注册中心暂不可达只告警，不阻断启动，后续握手时仍会逐桩校验。
func seedRegistry(ctx context.Context, cfg *cfgpkg.Config, reg *registry.Registry, vf verifier.Verifier, log *zap.Logger) error {
	seed, err := cfgpkg.LoadSeed(cfg.Seed.Path)
	if err != nil {
		log.Error("load seed file failed", zap.String("path", cfg.Seed.Path), zap.Error(err))
		return err
	}
	for _, cp := range seed.ChargingPoints {
		reg.Register(coremodel.CPID(cp.ID), cp.PricePerKWh)
	}
	if len(seed.ChargingPoints) > 0 {
		log.Info("seed charging points registered", zap.Int("count", len(seed.ChargingPoints)))
	}

	listCtx, cancel := context.WithTimeout(ctx, cfg.Verifier.Timeout)
	defer cancel()
	remote, err := vf.List(listCtx)
	if err != nil {
		log.Warn("central registry list unavailable, continuing with seed only", zap.Error(err))
		return nil
	}
	for _, cp := range remote {
		reg.Register(coremodel.CPID(cp.CPID), cp.PricePerKWh)
	}
	log.Info("central registry entries merged", zap.Int("count", len(remote)))
	return nil
}

// snapshotLoop 周期刷新在线数指标，并在启用 Redis 时落一份状态快照，
// 供外部看板在不打扰 TCP 面的情况下读取。
func snapshotLoop(ctx context.Context, reg *registry.Registry, snap *redisstore.SnapshotStore, appm *metrics.AppMetrics, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			views := reg.Snapshot()
			appm.OnlineGauge.Set(float64(reg.OnlineCount()))
			if snap == nil {
				continue
			}
			saveCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := snap.Save(saveCtx, views); err != nil {
				log.Warn("save state snapshot failed", zap.Error(err))
			}
			cancel()
		}
	}
}
