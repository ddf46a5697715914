// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mercury/internal/pkg/config"
	"mercury/internal/pkg/logger"
	"mercury/internal/pkg/nacos"
	"mercury/internal/pkg/tracing"
)

type AppCtx struct {
	Mux *http.ServeMux
	Cfg *config.Config
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Cfg         *config.Config
	// RegisterHandlers 允许每个服务注册自己独特的 HTTP 路由
	RegisterHandlers func(appCtx AppCtx)
	// BackgroundTasks 是随服务生命周期运行的后台任务（poller、清扫任务等），
	// 任务应在 ctx 取消后尽快返回。
	BackgroundTasks []func(ctx context.Context)
	// OnShutdown 按注册顺序的逆序执行清理（后进先出）。
	OnShutdown []func(ctx context.Context)
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	logger.Init(info.ServiceName)
	cfg := info.Cfg
	ctx := context.Background()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. Nacos 服务注册（未配置时跳过，方便本地开发）
	var nc *nacos.Client
	var ip string
	if cfg.Infra.Nacos.ServerAddrs != "" {
		nc, err = nacos.NewClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		ip, err = outboundIP()
		if err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := nc.RegisterServiceInstance(info.ServiceName, ip, cfg.Service.Port); err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. HTTP Server（/healthz 与 /metrics 是所有服务的标配）
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Cfg: cfg})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(cfg.Service.Port), Handler: mux}
	go func() {
		logger.Ctx(ctx).Info().Int("port", cfg.Service.Port).Msgf("✅ %s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Ctx(ctx).Fatal().Err(err).Msgf("could not listen on %s", server.Addr)
		}
	}()

	// 4. 后台任务
	taskCtx, cancelTasks := context.WithCancel(ctx)
	for _, task := range info.BackgroundTasks {
		go task(taskCtx)
	}

	// 5. 优雅关停：阻塞主 goroutine，直到接收到退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Ctx(ctx).Info().Msgf("🛑 Shutting down service %s...", info.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// 按后进先出的顺序清理
	cancelTasks()
	for i := len(info.OnShutdown) - 1; i >= 0; i-- {
		info.OnShutdown[i](shutdownCtx)
	}

	if nc != nil {
		if err := nc.DeregisterServiceInstance(info.ServiceName, ip, cfg.Service.Port); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("error deregistering from nacos")
		}
	}

	// 关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("error shutting down tracer provider")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("error shutting down http server")
	}

	logger.Ctx(ctx).Info().Msgf("✅ Service %s gracefully shut down.", info.ServiceName)
}

// outboundIP 获取本机对外通信的 IP，用于注册到 Nacos。
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), nil
}
