package adapter

import (
	"context"
	"errors"
	"fmt"

	"mercury/internal/pkg/httpclient"
	"mercury/internal/resilience"
)

// InventoryHTTPAdapter 实现了 port.InventoryService 接口。
type InventoryHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
	policy  *resilience.Policy
}

// NewInventoryHTTPAdapter 创建一个新的库存服务适配器。
func NewInventoryHTTPAdapter(client *httpclient.Client, baseURL string, policy *resilience.Policy) *InventoryHTTPAdapter {
	if policy == nil {
		policy = resilience.CriticalPolicy()
	}
	return &InventoryHTTPAdapter{client: client, baseURL: baseURL, policy: policy}
}

type stockRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

func (a *InventoryHTTPAdapter) Reserve(ctx context.Context, productID string, quantity int64) error {
	return a.post(ctx, "/inventory/reserve", productID, quantity)
}

func (a *InventoryHTTPAdapter) Release(ctx context.Context, productID string, quantity int64) error {
	return a.post(ctx, "/inventory/release", productID, quantity)
}

func (a *InventoryHTTPAdapter) Confirm(ctx context.Context, productID string, quantity int64) error {
	return a.post(ctx, "/inventory/confirm", productID, quantity)
}

func (a *InventoryHTTPAdapter) post(ctx context.Context, path, productID string, quantity int64) error {
	err := a.policy.Execute(ctx, func(ctx context.Context) error {
		err := a.client.PostJSON(ctx, a.baseURL+path, stockRequest{ProductID: productID, Quantity: quantity}, nil, nil)
		return classifyHTTPError(err)
	})
	if err != nil {
		return fmt.Errorf("inventory call %s failed: %w", path, err)
	}
	return nil
}

// classifyHTTPError 4xx 是调用方的问题，重试没有意义；其余算瞬时故障。
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.IsClientError() {
		return resilience.Permanent(err)
	}
	return resilience.Transient(err)
}
