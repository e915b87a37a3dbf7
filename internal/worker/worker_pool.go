// ============================================================================
// reqexec Worker Pool - 阻塞任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 在連線回呼路徑之外執行可能阻塞的工作
//
// 使用場景:
//   - UNPREPARED 錯誤後的重新準備 (request.Executor)
//   - DDL 之後的 schema agreement 等待
//   - 對所有節點的 prepare 扇出
//
// 設計:
//   底層使用 ants goroutine 池，限制並發數量；Pool 只負責生命週期
//   與關閉時等待已提交任務完成。
//
//   ┌─────────────┐
//   │  Session    │ --Submit(func())--> ants.Pool (N goroutines)
//   └─────────────┘                          │
//                                        task()
//
// 生命週期:
//   1. NewPool(size)   - 創建 Pool
//   2. Start()         - 啟動 ants 池
//   3. Submit(task)    - 提交任務
//   4. Stop()          - 拒絕新任務，等待已提交任務完成
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - 任務 panic 由 PanicHandler 記錄，不會擴散
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

const releaseTimeout = 3 * time.Second

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool 代表有界的 goroutine 池
type Pool struct {
	size    int
	pool    *ants.Pool
	wg      sync.WaitGroup // 追蹤已提交但尚未完成的任務
	started bool
	stopped bool
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewPool 建立新的 Pool
// 參數：
//   - size: 最大並發任務數
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size:   size,
		logger: slog.Default().With("component", "worker"),
	}
}

// Start 啟動底層 ants 池
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	pool, err := ants.NewPool(p.size, ants.WithPanicHandler(func(v any) {
		p.logger.Error("worker task panic", "panic", v)
	}))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	p.pool = pool
	p.started = true
	return nil
}

// Submit 提交任務；池滿時阻塞直到有空閒 goroutine
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	if !p.started {
		p.mu.RUnlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	pool := p.pool
	p.mu.RUnlock()

	err := pool.Submit(func() {
		defer p.wg.Done()
		task()
	})
	if err != nil {
		p.wg.Done()
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrPoolClosed
		}
		return fmt.Errorf("failed to submit task: %w", err)
	}
	return nil
}

// Stop 拒絕新任務並等待已提交任務完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait()
	if err := p.pool.ReleaseTimeout(releaseTimeout); err != nil {
		p.logger.Warn("worker pool release timed out", "error", err)
	}
}

// GetWorkerCount 返回池容量
func (p *Pool) GetWorkerCount() int {
	return p.size
}

// Running 返回正在執行的任務數
func (p *Pool) Running() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pool == nil {
		return 0
	}
	return p.pool.Running()
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
