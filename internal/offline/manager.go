package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/policy"
)

// Options 描述构造 Manager 所需的依赖。
type Options struct {
	Manifest     Manifest
	Store        cache.Store
	Client       *http.Client
	Logger       *logrus.Logger
	MaxEntrySize int64
}

// Manager 是单个站点的离线缓存管理器：负责安装/激活各代缓存，并拦截站点的全部请求。
type Manager struct {
	client       *http.Client
	store        cache.Store
	logger       *logrus.Logger
	maxEntrySize int64
	writer       *backgroundWriter

	// lifecycleMu 串行化 install/activate，保证每一步完整结束后才进入下一状态。
	lifecycleMu sync.Mutex

	mu       sync.RWMutex
	manifest Manifest
	active   *Generation
	waiting  *Generation
	latest   *Generation
	lastErr  error
}

// NewManager 创建 Manager，此时站点处于 uninstalled 状态，请求直接透传。
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Manifest.Name == "" || opts.Manifest.Version == "" {
		return nil, errors.New("manifest name and version are required")
	}
	if opts.Manifest.Origin == nil {
		return nil, fmt.Errorf("site %s has no upstream", opts.Manifest.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		client:       newHTTPClient(opts.Client, opts.Manifest.Proxy),
		store:        opts.Store,
		logger:       logger,
		maxEntrySize: opts.MaxEntrySize,
		manifest:     opts.Manifest,
	}
	m.writer = newBackgroundWriter(opts.Manifest.Name, opts.Store, logger, m.isActivePartition)
	return m, nil
}

// isActivePartition 报告分区是否属于当前生效版本。
func (m *Manager) isActivePartition(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active != nil && m.active.Partitions.Contains(name)
}

// Name 返回站点名。
func (m *Manager) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest.Name
}

// Manifest 返回当前清单（可能尚未安装）。
func (m *Manager) Manifest() Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest
}

// Register 安装当前清单版本；没有生效版本或开启 SkipWaiting 时立即激活。
// 对已生效的版本重复调用是空操作。
func (m *Manager) Register(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	gen, err := m.installLocked(ctx)
	if err != nil {
		return err
	}
	if gen.State == StateActive {
		return nil
	}

	m.mu.RLock()
	hasActive := m.active != nil
	m.mu.RUnlock()
	if !hasActive || gen.Manifest.SkipWaiting {
		return m.activateLocked(ctx, gen)
	}
	return nil
}

// Update 切换到新版本并重新注册；version 为空时按当前版本重新注册。
func (m *Manager) Update(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	if strings.ContainsAny(version, "/\\: \t") {
		return fmt.Errorf("invalid version %q", version)
	}
	if version != "" {
		m.mu.Lock()
		m.manifest.Version = version
		m.mu.Unlock()
	}
	return m.Register(ctx)
}

// Install 安装当前清单版本但不激活，成功后该版本进入 waiting。
func (m *Manager) Install(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	_, err := m.installLocked(ctx)
	return err
}

// Activate 激活 waiting 版本：先清理过期分区，再接管所有请求。
func (m *Manager) Activate(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.RLock()
	gen := m.waiting
	m.mu.RUnlock()
	if gen == nil {
		return ErrNoWaitingGeneration
	}
	return m.activateLocked(ctx, gen)
}

func (m *Manager) installLocked(ctx context.Context) (*Generation, error) {
	m.mu.RLock()
	manifest := m.manifest
	active, waiting := m.active, m.waiting
	m.mu.RUnlock()

	if active != nil && active.Version() == manifest.Version {
		return active, nil
	}
	if waiting != nil && waiting.Version() == manifest.Version {
		return waiting, nil
	}

	gen := newGeneration(manifest)
	m.mu.Lock()
	m.latest = gen
	m.mu.Unlock()
	m.transition(gen, StateInstalling)

	if err := m.populate(ctx, gen); err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.transition(gen, StateRedundant)
		m.logger.WithError(err).WithFields(logging.LifecycleFields(manifest.Name, manifest.Version, string(StateRedundant))).
			WithField("action", "install").Error("install_failed")
		return nil, err
	}

	gen.InstalledAt = time.Now().UTC()
	m.transition(gen, StateInstalled)

	m.mu.Lock()
	previous := m.waiting
	m.waiting = gen
	m.lastErr = nil
	m.mu.Unlock()
	if previous != nil {
		m.transition(previous, StateRedundant)
	}
	return gen, nil
}

// populate 先并发获取所有关键资源，全部成功后才写入分区；CDN 资源失败逐个容忍。
func (m *Manager) populate(ctx context.Context, gen *Generation) error {
	manifest := gen.Manifest
	critical, err := m.fetchCritical(ctx, manifest)
	if err != nil {
		return err
	}
	cdnSnaps := m.fetchCDN(ctx, manifest)

	cdnProfile, ok := policy.Resolve(policy.CategoryCDN)
	if !ok {
		cdnProfile = policy.Profile{Category: policy.CategoryCDN, Partition: policy.PartitionFonts}
	}
	cdnPartition := gen.Partitions.For(policy.ResolvePartition(cdnProfile, manifest.SplitCDN))

	if err := m.store.PutBatch(ctx, gen.Partitions.Static, critical); err != nil {
		m.discardPartitions(gen)
		return &InstallError{Asset: gen.Partitions.Static, Err: err}
	}
	if err := m.store.PutBatch(ctx, cdnPartition, cdnSnaps); err != nil {
		m.discardPartitions(gen)
		return &InstallError{Asset: cdnPartition, Err: err}
	}
	return nil
}

func (m *Manager) fetchCritical(ctx context.Context, manifest Manifest) ([]*cache.Snapshot, error) {
	snaps := make([]*cache.Snapshot, len(manifest.CriticalAssets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range manifest.CriticalAssets {
		g.Go(func() error {
			target, err := manifest.Resolve(asset)
			if err != nil {
				return &InstallError{Asset: asset, Err: err}
			}
			snap, err := m.fetchAsset(gctx, manifest, target)
			if err != nil {
				return &InstallError{Asset: asset, Err: err}
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (m *Manager) fetchCDN(ctx context.Context, manifest Manifest) []*cache.Snapshot {
	results := make([]*cache.Snapshot, len(manifest.CDNAssets))
	var g errgroup.Group
	for i, asset := range manifest.CDNAssets {
		g.Go(func() error {
			target, err := url.Parse(asset)
			if err == nil {
				results[i], err = m.fetchAsset(ctx, manifest, target)
			}
			if err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"action":  "install",
					"site":    manifest.Name,
					"version": manifest.Version,
					"asset":   asset,
				}).Warn("cdn_asset_skipped")
			}
			return nil
		})
	}
	_ = g.Wait()

	snaps := make([]*cache.Snapshot, 0, len(results))
	for _, snap := range results {
		if snap != nil {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// discardPartitions 删除安装失败的一代已写入的分区，版本号不同于生效版本，不会影响线上数据。
func (m *Manager) discardPartitions(gen *Generation) {
	ctx := context.Background()
	for _, name := range gen.Partitions.Names() {
		if _, err := m.store.DeletePartition(ctx, name); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action":    "install",
				"site":      gen.Manifest.Name,
				"partition": name,
			}).Warn("partition_cleanup_failed")
		}
	}
}

func (m *Manager) activateLocked(ctx context.Context, gen *Generation) error {
	m.transition(gen, StateActivating)

	// 清理与切换期间暂停后台写入，旧版本的迟到写入在切换后会被丢弃，不会重建已删除的分区。
	resume := m.writer.pause()
	evicted, err := m.sweep(ctx, gen)
	if err != nil {
		resume()
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.transition(gen, StateInstalled)
		return err
	}

	m.mu.Lock()
	previous := m.active
	m.active = gen
	if m.waiting == gen {
		m.waiting = nil
	}
	gen.ActivatedAt = time.Now().UTC()
	m.mu.Unlock()
	resume()

	m.transition(gen, StateActive)
	if previous != nil && previous != gen {
		m.transition(previous, StateRedundant)
	}
	m.logger.WithFields(logging.LifecycleFields(gen.Manifest.Name, gen.Version(), string(StateActive))).
		WithFields(logrus.Fields{"action": "activate", "evicted": evicted}).
		Info("generation_claimed")
	return nil
}

// sweep 删除本站点所有不属于当前分区集合的分区。
func (m *Manager) sweep(ctx context.Context, gen *Generation) ([]string, error) {
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var evicted []string
	for _, name := range names {
		if !gen.Partitions.Stale(name) {
			continue
		}
		if _, err := m.store.DeletePartition(ctx, name); err != nil {
			return evicted, fmt.Errorf("delete partition %s: %w", name, err)
		}
		partitionsEvicted.WithLabelValues(gen.Manifest.Name).Inc()
		evicted = append(evicted, name)
	}
	return evicted, nil
}

func (m *Manager) transition(gen *Generation, state State) {
	m.mu.Lock()
	gen.State = state
	m.mu.Unlock()
	lifecycleTransitions.WithLabelValues(gen.Manifest.Name, string(state)).Inc()
	m.logger.WithFields(logging.LifecycleFields(gen.Manifest.Name, gen.Version(), string(state))).
		WithField("action", "lifecycle").Debug("generation_transition")
}

// activeGeneration 返回当前生效版本的只读副本。
func (m *Manager) activeGeneration() (Generation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return Generation{}, false
	}
	return *m.active, true
}

// 控制消息类型。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClaim       = "CLAIM"
)

// Message 是页面发送给管理器的控制消息。
type Message struct {
	Type string `json:"type"`
}

// Message 处理控制消息：SKIP_WAITING 立即激活 waiting 版本；CLAIM 在存在 waiting 版本时同样激活，否则为空操作。
func (m *Manager) Message(ctx context.Context, msg Message) error {
	switch strings.ToUpper(strings.TrimSpace(msg.Type)) {
	case MessageSkipWaiting:
		return m.Activate(ctx)
	case MessageClaim:
		if err := m.Activate(ctx); err != nil && !errors.Is(err, ErrNoWaitingGeneration) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
}

// SyncFormsTag 是延迟表单提交使用的后台同步标签。
const SyncFormsTag = "sync-forms"

// Sync 响应后台同步事件。表单延迟提交尚未实现，sync-forms 只做确认。
func (m *Manager) Sync(ctx context.Context, tag string) error {
	fields := logrus.Fields{"action": "sync", "site": m.Name(), "tag": tag}
	if tag == SyncFormsTag {
		m.logger.WithFields(fields).Info("sync_acknowledged")
		return nil
	}
	m.logger.WithFields(fields).Debug("sync_ignored")
	return nil
}

// Push 是推送事件的占位实现。
func (m *Manager) Push(ctx context.Context, payload []byte) error {
	m.logger.WithFields(logrus.Fields{"action": "push", "site": m.Name(), "bytes": len(payload)}).Debug("push_ignored")
	return nil
}

// NotificationClick 是通知点击事件的占位实现。
func (m *Manager) NotificationClick(ctx context.Context, target string) error {
	m.logger.WithFields(logrus.Fields{"action": "notification_click", "site": m.Name(), "target": target}).Debug("notification_click_ignored")
	return nil
}

// Status 返回诊断快照。
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		Site:        m.manifest.Name,
		Domain:      m.manifest.Domain,
		State:       StateUninstalled,
		Version:     m.manifest.Version,
		SkipWaiting: m.manifest.SkipWaiting,
	}
	if m.latest != nil {
		status.State = m.latest.State
	}
	if m.active != nil {
		status.ActiveVersion = m.active.Version()
		status.Partitions = m.active.Partitions.Names()
		status.ActivatedAt = m.active.ActivatedAt
		if status.State == StateRedundant {
			status.State = StateActive
		}
	}
	if m.waiting != nil {
		status.WaitingVersion = m.waiting.Version()
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	return status
}

// Wait 等待所有后台缓存写入完成，用于优雅退出与测试。
func (m *Manager) Wait() {
	m.writer.wait()
}
