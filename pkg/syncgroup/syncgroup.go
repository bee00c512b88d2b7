package syncgroup

import (
	"sync"
)

type syncGroupFunc func()

// SyncGroup 是 sync.WaitGroup 的包装器：Add 登记函数，Run 统一启动，Wait 等待退出
// 自动管理 wg.Add()/Done()，避免遗漏 Done()
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []syncGroupFunc
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add registers fn to be started by the next Run. nil is ignored.
func (w *SyncGroup) Add(fn syncGroupFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, fn)
	w.mu.Unlock()
}

// Run starts every registered function in its own goroutine and clears the list.
func (w *SyncGroup) Run() {
	w.mu.Lock()
	fns := w.pending
	w.pending = nil
	w.wg.Add(len(fns))
	w.mu.Unlock()

	for _, fn := range fns {
		go func(doFunc syncGroupFunc) {
			defer w.wg.Done()
			doFunc()
		}(fn)
	}
}

// Wait 等待所有已启动的 goroutine 完成
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}
