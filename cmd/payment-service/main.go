package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"mercury/internal/idempotency"
	"mercury/internal/outbox"
	"mercury/internal/pkg/bootstrap"
	"mercury/internal/pkg/config"
	"mercury/internal/pkg/logger"
	"mercury/internal/pkg/mq"
	"mercury/internal/resilience"
	"mercury/internal/service/payment/application"
	"mercury/internal/service/payment/domain"
	"mercury/internal/service/payment/infrastructure"
)

const serviceName = "payment-service"

// 与订单服务适配器约定的幂等键请求头。
const headerIdempotencyKey = "Idempotency-Key"

func main() {
	cfg, err := config.Load(config.GetEnv("CONFIG_PATH", ""))
	if err != nil {
		panic(err)
	}
	cfg.Service.Name = serviceName

	db, err := gorm.Open(mysql.Open(cfg.Infra.MySQL.DSN), &gorm.Config{})
	if err != nil {
		panic(err)
	}
	if err := db.AutoMigrate(&infrastructure.PaymentModel{}, &outbox.Event{}, &idempotency.Record{}); err != nil {
		panic(err)
	}

	guard := idempotency.NewGuard(idempotency.NewGormStore(db), cfg.Idempotency.TTL)
	gateway := infrastructure.NewSandboxGateway(50*time.Millisecond, chargeLimitFromEnv())
	persister := infrastructure.NewGormPersister(db, outbox.NewPublisher())
	svc := application.NewService(guard, gateway, persister, resilience.CriticalPolicy())

	writer := mq.NewWriter(cfg.Infra.Kafka.Brokers)
	producer := mq.NewProducer(writer)
	poller := outbox.NewPoller(outbox.NewGormRepository(db), producer, outbox.PollerConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		Retention:    time.Duration(cfg.Outbox.RetentionDays) * 24 * time.Hour,
		StaleAfter:   cfg.Outbox.StaleAfter,
	})

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Cfg:         cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/payments/charge", func(w http.ResponseWriter, r *http.Request) {
				handleCharge(svc, w, r)
			})
			appCtx.Mux.HandleFunc("/payments/refund", func(w http.ResponseWriter, r *http.Request) {
				handleRefund(svc, w, r)
			})
		},
		BackgroundTasks: []func(ctx context.Context){
			poller.Run,
			func(ctx context.Context) { poller.RunMaintenance(ctx, 15*time.Minute) },
			func(ctx context.Context) { guard.RunSweeper(ctx, time.Hour) },
		},
		OnShutdown: []func(ctx context.Context){
			func(ctx context.Context) {
				if err := producer.Close(); err != nil {
					logger.Ctx(ctx).Error().Err(err).Msg("error closing kafka producer")
				}
			},
		},
	})
}

func chargeLimitFromEnv() int64 {
	limit, err := strconv.ParseInt(config.GetEnv("CHARGE_LIMIT", "1000000"), 10, 64)
	if err != nil {
		return 1_000_000
	}
	return limit
}

func handleCharge(svc *application.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req application.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.IdempotencyKey = r.Header.Get(headerIdempotencyKey)
	if req.IdempotencyKey == "" {
		http.Error(w, headerIdempotencyKey+" header is required", http.StatusBadRequest)
		return
	}

	result, status, err := svc.Process(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	// 幂等重放时 status 是首次处理的状态码，原样返回
	writeJSON(w, status, result)
}

func handleRefund(svc *application.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req application.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.IdempotencyKey = r.Header.Get(headerIdempotencyKey)
	if req.IdempotencyKey == "" {
		http.Error(w, headerIdempotencyKey+" header is required", http.StatusBadRequest)
		return
	}

	result, status, err := svc.Refund(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, status, result)
}

// statusFor 区分永久失败（4xx，调用方不应重试）和瞬时失败（5xx，可重试）。
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, idempotency.ErrKeyConflict):
		return http.StatusConflict
	case resilience.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
