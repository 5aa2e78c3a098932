// =============================================================================
// 🤖 MockBackend - 推理后端模拟实现
// =============================================================================
// 用于测试的脚本化后端，支持固定响应、延迟、错误注入与调用记录
//
// 使用方法:
//
//	b := mocks.NewMockBackend("alpha").WithResponse("hi").WithDelay(20 * time.Millisecond)
//	text, err := b.Generate(ctx, engine.Request{Text: "hello"})
// =============================================================================
package mocks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/chorus/engine"
)

// ErrMockBackend is the default injected failure.
var ErrMockBackend = errors.New("mock backend: injected failure")

// MockBackend 是 engine.Backend 的模拟实现
type MockBackend struct {
	mu sync.RWMutex

	name     string
	response string
	err      error
	delay    time.Duration
	fn       func(ctx context.Context, req engine.Request) (string, error)

	calls    atomic.Int64
	requests []engine.Request
}

// NewMockBackend 创建新的 MockBackend
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{
		name:     name,
		response: "response from " + name,
	}
}

// WithResponse 设置固定响应内容
func (m *MockBackend) WithResponse(response string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError 设置返回错误
func (m *MockBackend) WithError(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置响应延迟；延迟期间尊重 ctx 取消
func (m *MockBackend) WithDelay(d time.Duration) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFunc 设置自定义生成函数
func (m *MockBackend) WithFunc(fn func(ctx context.Context, req engine.Request) (string, error)) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// Name implements engine.Backend.
func (m *MockBackend) Name() string {
	return m.name
}

// Generate implements engine.Backend.
func (m *MockBackend) Generate(ctx context.Context, req engine.Request) (string, error) {
	m.calls.Add(1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	delay, err, response, fn := m.delay, m.err, m.response, m.fn
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return response, nil
}

// Calls 返回调用次数
func (m *MockBackend) Calls() int {
	return int(m.calls.Load())
}

// Requests 返回收到的请求副本
func (m *MockBackend) Requests() []engine.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Request, len(m.requests))
	copy(out, m.requests)
	return out
}
