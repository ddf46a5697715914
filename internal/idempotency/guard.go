// internal/idempotency/guard.go
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"mercury/internal/pkg/logger"
	"mercury/internal/pkg/metrics"
)

// ErrKeyConflict 同一把幂等键携带了不同的请求体。
// 这是调用方的 bug 或重放攻击，直接拒绝而不是静默收下。
var ErrKeyConflict = errors.New("idempotency: key reused with a different request body")

const defaultTTL = 24 * time.Hour

// Guard 幂等防护：同一把键的重复请求返回首次处理的响应，
// 绝不重复执行业务操作。
type Guard struct {
	store Store
	ttl   time.Duration

	now func() time.Time
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Guard{store: store, ttl: ttl, now: time.Now}
}

// HashRequest 请求体指纹：SHA-256 后 base64 编码。
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// GetPrevious 查找此键此前的处理结果。
// 返回 (response, statusCode, true) 表示命中重放，调用方应原样返回
// 首次的响应和状态码；(nil, 0, false) 表示首次请求；
// 键被不同请求体复用时返回 ErrKeyConflict。过期记录视同不存在。
func (g *Guard) GetPrevious(ctx context.Context, key string, body []byte) ([]byte, int, bool, error) {
	record, err := g.store.Find(ctx, key)
	if err != nil {
		return nil, 0, false, fmt.Errorf("idempotency: lookup failed: %w", err)
	}
	if record == nil || record.ExpiresAt.Before(g.now()) {
		return nil, 0, false, nil
	}
	if record.RequestHash != HashRequest(body) {
		logger.Ctx(ctx).Warn().Str("idempotency_key", key).Msg("idempotency key reused with different body")
		return nil, 0, false, ErrKeyConflict
	}

	metrics.IdempotentReplays.Inc()
	logger.Ctx(ctx).Info().
		Str("idempotency_key", key).
		Str("request_type", record.RequestType).
		Msg("idempotent replay, returning stored response")
	return []byte(record.Response), record.StatusCode, true, nil
}

// StoreResponse 记录首次处理的响应和状态码，供后续重放使用。
// requestType 标记这是什么请求（如 payment.charge），对账时好认。
func (g *Guard) StoreResponse(ctx context.Context, key string, body []byte, requestType string, response []byte, statusCode int) error {
	now := g.now()
	record := &Record{
		Key:         key,
		RequestType: requestType,
		RequestHash: HashRequest(body),
		Response:    string(response),
		StatusCode:  statusCode,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	if err := g.store.Save(ctx, record); err != nil {
		return fmt.Errorf("idempotency: failed to store response: %w", err)
	}
	return nil
}

// VerifyMatch 校验请求体和键的既有指纹一致。没有记录也算通过。
func (g *Guard) VerifyMatch(ctx context.Context, key string, body []byte) error {
	_, _, _, err := g.GetPrevious(ctx, key, body)
	return err
}

// Sweep 清理过期记录。
func (g *Guard) Sweep(ctx context.Context) error {
	deleted, err := g.store.DeleteExpiredBefore(ctx, g.now())
	if err != nil {
		return fmt.Errorf("idempotency: sweep failed: %w", err)
	}
	if deleted > 0 {
		logger.Ctx(ctx).Info().Int64("deleted", deleted).Msg("swept expired idempotency records")
	}
	return nil
}

// RunSweeper 周期清理过期记录，直到 ctx 结束。
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Sweep(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("idempotency sweep failed")
			}
		}
	}
}
