package shutdown

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/deritrader/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：按注册的逆序依次执行（后启动的先关闭）
type Manager struct {
	callbacks []namedHandler
	mu        sync.Mutex
	once      sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调，只执行一次。ctx 到期后剩余回调不再执行
func (m *Manager) Shutdown(ctx context.Context) error {
	var result error
	m.once.Do(func() {
		m.mu.Lock()
		callbacks := append([]namedHandler(nil), m.callbacks...)
		m.mu.Unlock()

		if len(callbacks) == 0 {
			logger.Info("没有注册的关闭回调")
			return
		}
		logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

		for i := len(callbacks) - 1; i >= 0; i-- {
			cb := callbacks[i]
			if err := ctx.Err(); err != nil {
				logger.Warnf("关闭超时，跳过 %s: %v", cb.name, err)
				if result == nil {
					result = errors.Wrapf(err, "shutdown %s", cb.name)
				}
				continue
			}
			if err := cb.fn(ctx); err != nil {
				logger.Warnf("关闭 %s 失败: %v", cb.name, err)
				if result == nil {
					result = errors.Wrapf(err, "shutdown %s", cb.name)
				}
				continue
			}
			logger.Debugf("%s 已关闭", cb.name)
		}
		logger.Info("所有关闭回调已完成")
	})
	return result
}
