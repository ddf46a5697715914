package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"mercury/internal/lock"
	"mercury/internal/pkg/bootstrap"
	"mercury/internal/pkg/config"
	"mercury/internal/pkg/logger"
	redisx "mercury/internal/pkg/redis"
	"mercury/internal/resilience"
	"mercury/internal/service/inventory/application"
	"mercury/internal/service/inventory/domain"
	"mercury/internal/service/inventory/infrastructure"
)

const serviceName = "inventory-service"

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
	if err := db.AutoMigrate(&infrastructure.InventoryModel{}); err != nil {
		panic(err)
	}

	locks, closeLocks := newLockClient(cfg)
	svc := application.NewService(infrastructure.NewGormRepository(db), locks, resilience.DatabasePolicy()).
		WithLockTimings(cfg.Lock.Wait, cfg.Lock.Lease)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Cfg:         cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/inventory/reserve", mutationHandler(svc.Reserve))
			appCtx.Mux.HandleFunc("/inventory/release", mutationHandler(svc.Release))
			appCtx.Mux.HandleFunc("/inventory/confirm", mutationHandler(svc.Confirm))
			appCtx.Mux.HandleFunc("/inventory/init", mutationHandler(svc.InitializeStock))
			appCtx.Mux.HandleFunc("/inventory/status", func(w http.ResponseWriter, r *http.Request) {
				handleStatus(svc, w, r)
			})
		},
		OnShutdown: []func(ctx context.Context){
			func(ctx context.Context) { closeLocks(ctx) },
		},
	})
}

// newLockClient 按 LOCK_BACKEND 选择分布式锁实现，默认 Redis。
func newLockClient(cfg *config.Config) (lock.Client, func(ctx context.Context)) {
	switch config.GetEnv("LOCK_BACKEND", "redis") {
	case "zookeeper":
		client, err := lock.NewZookeeperClient(cfg.Infra.Zookeeper.Addrs, 10*time.Second)
		if err != nil {
			panic(err)
		}
		return client, func(ctx context.Context) { client.Close() }
	default:
		rdb := redisx.NewClient(cfg.Infra.Redis.Addr, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
		client, err := lock.NewRedisClient(rdb)
		if err != nil {
			panic(err)
		}
		return client, func(ctx context.Context) {
			if err := rdb.Close(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("error closing redis client")
			}
		}
	}
}

type mutationRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

func mutationHandler(op func(ctx context.Context, productID string, quantity int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req mutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ProductID == "" {
			http.Error(w, "productId is required", http.StatusBadRequest)
			return
		}
		if err := op(r.Context(), req.ProductID, req.Quantity); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStatus(svc *application.Service, w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("productId")
	if productID == "" {
		http.Error(w, "productId is required", http.StatusBadRequest)
		return
	}
	inv, err := svc.Status(r.Context(), productID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"productId": inv.ProductID,
		"available": inv.Available,
		"reserved":  inv.Reserved,
	})
}

// statusFor 把业务错误映射为 HTTP 状态码。
// 语义很重要：409/404/400 是永久错误，503 提示调用方可以重试。
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, application.ErrSystemBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
