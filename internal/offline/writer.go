package offline

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
)

// backgroundWriter 在独立 goroutine 中写入缓存，响应路径不等待写入结果。
// 每个响应最多写一次，失败只记录日志与指标，不重试。
type backgroundWriter struct {
	site   string
	store  cache.Store
	logger *logrus.Logger
	// current 报告分区是否仍属于生效版本；旧版本请求的迟到写入会被丢弃。
	current func(partition string) bool
	wg      sync.WaitGroup

	// gate 让写入与激活互斥：激活持写锁完成清理与切换，写入持读锁完成检查与落盘。
	gate sync.RWMutex
}

func newBackgroundWriter(site string, store cache.Store, logger *logrus.Logger, current func(string) bool) *backgroundWriter {
	return &backgroundWriter{site: site, store: store, logger: logger, current: current}
}

// put 调度一次写入；ctx 的取消不会中断写入。
func (w *backgroundWriter) put(ctx context.Context, partition string, snap *cache.Snapshot) {
	ctx = context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.gate.RLock()
		defer w.gate.RUnlock()

		fields := logrus.Fields{
			"action":    "cache_write",
			"site":      w.site,
			"partition": partition,
			"key":       snap.Key,
		}
		if w.current != nil && !w.current(partition) {
			cacheWrites.WithLabelValues(w.site, partition, "discarded").Inc()
			w.logger.WithFields(fields).Debug("cache_write_discarded")
			return
		}
		if err := w.store.Put(ctx, partition, snap); err != nil {
			cacheWrites.WithLabelValues(w.site, partition, "error").Inc()
			w.logger.WithError(err).WithFields(fields).Warn("cache_write_failed")
			return
		}
		cacheWrites.WithLabelValues(w.site, partition, "ok").Inc()
	}()
}

// pause 阻塞新的写入并等待进行中的写入落盘，返回恢复函数。
func (w *backgroundWriter) pause() func() {
	w.gate.Lock()
	return w.gate.Unlock
}

// wait 阻塞直到所有已调度的写入结束。
func (w *backgroundWriter) wait() {
	w.wg.Wait()
}
