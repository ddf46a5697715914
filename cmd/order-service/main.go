package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"mercury/internal/eventstore"
	"mercury/internal/outbox"
	"mercury/internal/pkg/bootstrap"
	"mercury/internal/pkg/config"
	"mercury/internal/pkg/httpclient"
	"mercury/internal/pkg/logger"
	"mercury/internal/pkg/mq"
	"mercury/internal/resilience"
	"mercury/internal/saga"
	"mercury/internal/service/order/application"
	"mercury/internal/service/order/domain"
	"mercury/internal/service/order/infrastructure"
	"mercury/internal/service/order/infrastructure/adapter"
)

const serviceName = "order-service"

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
	if err := db.AutoMigrate(&eventstore.Record{}, &outbox.Event{}, &saga.InstanceRecord{}); err != nil {
		panic(err)
	}

	// 事件注册表：启动时登记全部订单事件类型
	registry := eventstore.NewRegistry()
	domain.RegisterEvents(registry)

	publisher := outbox.NewPublisher()
	orderStore := infrastructure.NewGormOrderStore(db, registry, publisher)

	// Kafka：outbox poller 和通知共用一个 writer
	writer := mq.NewWriter(cfg.Infra.Kafka.Brokers)
	producer := mq.NewProducer(writer)
	poller := outbox.NewPoller(outbox.NewGormRepository(db), producer, outbox.PollerConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		Retention:    time.Duration(cfg.Outbox.RetentionDays) * 24 * time.Hour,
		StaleAfter:   cfg.Outbox.StaleAfter,
	})

	orchestrator := saga.NewOrchestrator(saga.NewGormStore(db), cfg.Saga.Workers)

	httpClient := httpclient.NewClient(otel.Tracer(serviceName))
	inventoryURL := config.GetEnv("INVENTORY_SERVICE_URL", "http://localhost:8082")
	paymentURL := config.GetEnv("PAYMENT_SERVICE_URL", "http://localhost:8083")

	svc := application.NewService(
		orchestrator,
		orderStore,
		adapter.NewInventoryHTTPAdapter(httpClient, inventoryURL, resilience.CriticalPolicy()),
		adapter.NewPaymentHTTPAdapter(httpClient, paymentURL, resilience.CriticalPolicy()),
		adapter.NewNotificationKafkaAdapter(producer, resilience.BrokerPolicy()),
	)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Cfg:         cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
				switch r.Method {
				case http.MethodPost:
					handlePlaceOrder(svc, w, r)
				case http.MethodGet:
					handleGetOrder(svc, w, r)
				default:
					http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				}
			})
			appCtx.Mux.HandleFunc("/orders/cancel", func(w http.ResponseWriter, r *http.Request) {
				handleCancelOrder(svc, w, r)
			})
		},
		BackgroundTasks: []func(ctx context.Context){
			poller.Run,
			func(ctx context.Context) { poller.RunMaintenance(ctx, 15*time.Minute) },
			func(ctx context.Context) {
				// 找回上次进程退出时没跑完的 saga
				if err := orchestrator.Resume(ctx); err != nil {
					logger.Ctx(ctx).Error().Err(err).Msg("saga resume failed")
				}
			},
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

func handlePlaceOrder(svc *application.Service, w http.ResponseWriter, r *http.Request) {
	var req application.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := svc.PlaceOrder(r.Context(), req)
	if err != nil {
		// saga 已回滚干净，对外统一口径
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func handleGetOrder(svc *application.Service, w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}
	order, err := svc.Get(r.Context(), orderID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":   order.ID(),
		"userId":    order.UserID,
		"productId": order.ProductID,
		"quantity":  order.Quantity,
		"amount":    order.Amount,
		"paymentId": order.PaymentID,
		"state":     order.State,
		"version":   order.Root().Version(),
	})
}

func handleCancelOrder(svc *application.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		OrderID string `json:"orderId"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := svc.Cancel(r.Context(), req.OrderID, req.Reason); err != nil {
		status := http.StatusConflict
		if errors.Is(err, domain.ErrOrderNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
