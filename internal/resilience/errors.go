// internal/resilience/errors.go
package resilience

import (
	"context"
	"errors"
)

// 弹性链路自身产生的错误。它们都是瞬时错误：换个时间再试可能成功。
var (
	// ErrBulkheadFull 并发舱壁已满且等待超时
	ErrBulkheadFull = errors.New("resilience: bulkhead full")
	// ErrCircuitOpen 熔断器处于打开状态，调用被直接拒绝
	ErrCircuitOpen = errors.New("resilience: circuit open")
	// ErrTimeout 调用超过了配置的时限
	ErrTimeout = errors.New("resilience: call timed out")
)

type errKind int

const (
	kindTransient errKind = iota + 1
	kindPermanent
)

// classified 给错误打上 瞬时/永久 标记，穿过任意层包装后仍可识别。
type classified struct {
	kind errKind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient 标记一个错误为瞬时错误（超时、连接失败、锁竞争等），重试策略会重试它。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kindTransient, err: err}
}

// Permanent 标记一个错误为永久错误（参数校验、资源不存在、序列化失败等），
// 永久错误绕过重试，立刻上抛。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kindPermanent, err: err}
}

// IsPermanent 返回错误是否被显式标记为永久错误。
func IsPermanent(err error) bool {
	var c *classified
	if errors.As(err, &c) {
		return c.kind == kindPermanent
	}
	return false
}

// IsTransient 判断错误是否应该被重试。
// 显式标记优先；弹性链路自身的错误（超时、熔断拒绝、舱壁拒绝）视为瞬时；
// 其余未标记的错误一律不重试——宁可少试，不可把永久错误重放三遍。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var c *classified
	if errors.As(err, &c) {
		return c.kind == kindTransient
	}
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrBulkheadFull),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
