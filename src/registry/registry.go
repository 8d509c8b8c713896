package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"
	"VisualSphere/src/library/log"
	"VisualSphere/src/library/monitor"
	"VisualSphere/src/library/storage"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// FailureContext 记录失败时的上下文
type FailureContext struct {
	Profile entity.DeviceProfile
	Details string
	At      time.Time
}

// FailureEvent 单次失败，足以在离线状态下还原报告
type FailureEvent struct {
	SessionID   string          `json:"session_id"`
	ProgramID   string          `json:"program_id"`
	Reason      enum.ReasonCode `json:"reason_code"`
	DeviceTier  enum.DeviceTier `json:"device_tier"`
	Fingerprint string          `json:"fingerprint"`
	Details     string          `json:"details,omitempty"`
	At          time.Time       `json:"at"`
}

// FailureRecord 会话内的程序失败记录
type FailureRecord struct {
	Count        int            `json:"count"`
	FirstFailure time.Time      `json:"first_failure"`
	LastFailure  time.Time      `json:"last_failure"`
	Reasons      []FailureEvent `json:"reasons"`
}

// BlockStatus 屏蔽查询结果
type BlockStatus struct {
	Blocked   bool          `json:"blocked"`
	Permanent bool          `json:"permanent"`
	Tag       enum.BlockTag `json:"tag,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Report 单个程序的诊断报告
type Report struct {
	ProgramID string          `json:"program_id"`
	SessionID string          `json:"session_id"`
	Session   FailureRecord   `json:"session"`
	Stats     AggregateStats  `json:"stats"`
	Permanent bool            `json:"permanent"`
	Tags      []enum.BlockTag `json:"tags,omitempty"`
	Metadata  *BlockMetadata  `json:"metadata,omitempty"`
}

// Registry 失败登记与屏蔽列表
type Registry struct {
	cfg       config.RegistryConfig
	store     storage.PersistentStore
	now       func() time.Time
	sessionID string

	mu          sync.Mutex
	session     map[string]*FailureRecord
	stats       map[string]*AggregateStats
	permanent   map[string]struct{}
	conditional map[enum.BlockTag]map[string]struct{}
	metadata    map[string]BlockMetadata
	rev         uint64 // 每次变更递增
	savedRev    uint64
	degraded    bool

	saveCh    chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	cron      *cron.Cron
	startOnce sync.Once
	closeOnce sync.Once
}

// Option 登记选项
type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry 创建失败登记；store 为 nil 时只在会话内生效
func NewRegistry(cfg config.RegistryConfig, store storage.PersistentStore, opts ...Option) *Registry {
	r := &Registry{
		cfg:         cfg,
		store:       store,
		now:         time.Now,
		sessionID:   uuid.NewString(),
		session:     make(map[string]*FailureRecord),
		stats:       make(map[string]*AggregateStats),
		permanent:   make(map[string]struct{}),
		conditional: make(map[enum.BlockTag]map[string]struct{}),
		metadata:    make(map[string]BlockMetadata),
		saveCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	for _, tag := range enum.BlockTags() {
		r.conditional[tag] = make(map[string]struct{})
	}
	for _, opt := range opts {
		opt(r)
	}
	if store == nil {
		r.degraded = true
	}
	return r
}

// SessionID 当前会话标识
func (r *Registry) SessionID() string { return r.sessionID }

func (r *Registry) statsLocked(programID string) *AggregateStats {
	st, ok := r.stats[programID]
	if !ok {
		st = &AggregateStats{ReasonHistogram: make(map[enum.ReasonCode]int64)}
		r.stats[programID] = st
	}
	return st
}

// RecordAttempt 每次加载程序时调用
func (r *Registry) RecordAttempt(programID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.statsLocked(programID)
	st.TotalAttempts++
	st.recomputeRate()
	st.LastUpdated = r.now()
	r.rev++
}

// RecordFailure 记录一次失败，必要时自动屏蔽
func (r *Registry) RecordFailure(programID string, reason enum.ReasonCode, fc FailureContext) {
	r.mu.Lock()
	at := fc.At
	if at.IsZero() {
		at = r.now()
	}
	event := FailureEvent{
		SessionID:   r.sessionID,
		ProgramID:   programID,
		Reason:      reason,
		DeviceTier:  fc.Profile.Tier,
		Fingerprint: fc.Profile.Fingerprint(),
		Details:     fc.Details,
		At:          at,
	}

	rec, ok := r.session[programID]
	if !ok {
		rec = &FailureRecord{FirstFailure: at}
		r.session[programID] = rec
	}
	rec.Count++
	rec.LastFailure = at
	rec.Reasons = append(rec.Reasons, event)
	if r.cfg.MaxReasons > 0 && len(rec.Reasons) > r.cfg.MaxReasons {
		rec.Reasons = rec.Reasons[len(rec.Reasons)-r.cfg.MaxReasons:]
	}

	st := r.statsLocked(programID)
	st.TotalFailures++
	st.recomputeRate()
	st.ReasonHistogram[reason]++
	st.addDevice(event.Fingerprint)
	st.LastUpdated = at

	changed := false
	if _, blocked := r.permanent[programID]; !blocked &&
		(st.FailureRate > r.cfg.MaxFailureRate || st.TotalFailures >= r.cfg.MaxTotalFailures) {
		r.permanent[programID] = struct{}{}
		r.metadata[programID] = BlockMetadata{AddedAt: at, AutoBlocked: true, ReasonCode: reason, TriggeringStats: st.clone()}
		changed = true
		log.Warning("program %s permanently blocked: failures=%d attempts=%d rate=%.2f",
			programID, st.TotalFailures, st.TotalAttempts, st.FailureRate)
	}
	for _, tag := range fc.Profile.MatchingTags() {
		if _, ok := r.conditional[tag][programID]; ok {
			continue
		}
		r.conditional[tag][programID] = struct{}{}
		if _, ok := r.metadata[programID]; !ok {
			r.metadata[programID] = BlockMetadata{AddedAt: at, AutoBlocked: true, ReasonCode: reason, TriggeringStats: st.clone()}
		}
		changed = true
		log.Info("program %s blocked on %s devices (%s)", programID, tag, reason)
	}
	r.rev++
	if changed {
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	monitor.ObserveRegistryFailure(string(reason))
	log.Info("failure recorded: program=%s reason=%s tier=%s device=%s", programID, reason, event.DeviceTier, event.Fingerprint)
	if changed {
		r.requestSave()
	}
}

// IsBlocked 先查永久屏蔽，再按固定顺序查条件标签，首个命中生效
func (r *Registry) IsBlocked(programID string, profile entity.DeviceProfile) BlockStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.permanent[programID]; ok {
		return BlockStatus{Blocked: true, Permanent: true, Reason: "permanent"}
	}
	for _, tag := range enum.BlockTags() {
		if _, ok := r.conditional[tag][programID]; ok && profile.Matches(tag) {
			return BlockStatus{Blocked: true, Tag: tag, Reason: "conditional:" + string(tag)}
		}
	}
	return BlockStatus{}
}

// ExportBlocklist 导出带版本的快照
func (r *Registry) ExportBlocklist() ([]byte, error) {
	r.mu.Lock()
	snap := r.snapshotLocked()
	r.mu.Unlock()
	return json.Marshal(snap)
}

// ImportBlocklist 合并外部快照：屏蔽集合取并集，本地已有的元数据与统计不被覆盖
func (r *Registry) ImportBlocklist(data []byte) error {
	snap, _, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	if r.merge(snap) {
		r.requestSave()
	}
	return nil
}

// merge 返回本地状态是否发生变化
func (r *Registry) merge(snap *Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, id := range snap.Blocklist.Permanent {
		if _, ok := r.permanent[id]; !ok {
			r.permanent[id] = struct{}{}
			changed = true
		}
	}
	for tag, ids := range snap.Blocklist.Conditional {
		set, ok := r.conditional[tag]
		if !ok {
			set = make(map[string]struct{})
			r.conditional[tag] = set
		}
		for _, id := range ids {
			if _, ok := set[id]; !ok {
				set[id] = struct{}{}
				changed = true
			}
		}
	}
	for id, md := range snap.Blocklist.Metadata {
		if _, ok := r.metadata[id]; !ok {
			md.TriggeringStats = md.TriggeringStats.clone()
			r.metadata[id] = md
			changed = true
		}
	}
	for id, st := range snap.Stats {
		if _, ok := r.stats[id]; !ok {
			cp := st.clone()
			r.stats[id] = &cp
			changed = true
		}
	}
	if changed {
		r.rev++
		r.updateGaugesLocked()
	}
	return changed
}

func (r *Registry) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Version: SnapshotVersion,
		SavedAt: r.now(),
		Stats:   make(map[string]AggregateStats, len(r.stats)),
		Blocklist: Blocklist{
			Permanent:   sortedKeys(r.permanent),
			Conditional: make(map[enum.BlockTag][]string, len(r.conditional)),
			Metadata:    make(map[string]BlockMetadata, len(r.metadata)),
		},
	}
	for id, st := range r.stats {
		snap.Stats[id] = st.clone()
	}
	for tag, set := range r.conditional {
		if len(set) > 0 {
			snap.Blocklist.Conditional[tag] = sortedKeys(set)
		}
	}
	for id, md := range r.metadata {
		md.TriggeringStats = md.TriggeringStats.clone()
		snap.Blocklist.Metadata[id] = md
	}
	return snap
}

func (r *Registry) isBlockedAnywhereLocked(programID string) bool {
	if _, ok := r.permanent[programID]; ok {
		return true
	}
	for _, set := range r.conditional {
		if _, ok := set[programID]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) updateGaugesLocked() {
	monitor.SetBlocklistSize("permanent", len(r.permanent))
	for tag, set := range r.conditional {
		monitor.SetBlocklistSize(string(tag), len(set))
	}
}

// Report 合并会话与聚合视图
func (r *Registry) Report(programID string) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := Report{ProgramID: programID, SessionID: r.sessionID}
	if rec, ok := r.session[programID]; ok {
		rep.Session = *rec
		rep.Session.Reasons = append([]FailureEvent(nil), rec.Reasons...)
	}
	if st, ok := r.stats[programID]; ok {
		rep.Stats = st.clone()
	}
	_, rep.Permanent = r.permanent[programID]
	for _, tag := range enum.BlockTags() {
		if _, ok := r.conditional[tag][programID]; ok {
			rep.Tags = append(rep.Tags, tag)
		}
	}
	if md, ok := r.metadata[programID]; ok {
		md.TriggeringStats = md.TriggeringStats.clone()
		rep.Metadata = &md
	}
	return rep
}

// Start 启动定时自动保存与即时保存协程
func (r *Registry) Start() error {
	var err error
	r.startOnce.Do(func() {
		r.cron = cron.New(cron.WithSeconds())
		if _, err = r.cron.AddFunc(r.cfg.AutosaveSpec, r.autosave); err != nil {
			err = fmt.Errorf("autosave schedule %q: %w", r.cfg.AutosaveSpec, err)
			return
		}
		r.cron.Start()
		r.wg.Add(1)
		go r.saveLoop()
	})
	return err
}

func (r *Registry) autosave() {
	if !r.Dirty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SaveTimeout*2)
	defer cancel()
	if err := r.Save(ctx); err != nil {
		log.Warning("registry autosave failed: %v", err)
	}
}

func (r *Registry) saveLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.saveCh:
			r.autosave()
		}
	}
}

// requestSave 合并即时保存请求，不阻塞调用方
func (r *Registry) requestSave() {
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

// Dirty 是否有未保存的变更
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.degraded && r.rev != r.savedRev
}

// Degraded 是否处于仅会话模式
func (r *Registry) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Close 停止调度并刷新未保存的变更
func (r *Registry) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		if r.cron != nil {
			<-r.cron.Stop().Done()
		}
		close(r.stopCh)
		r.wg.Wait()
		if r.Dirty() {
			err = r.Save(ctx)
		}
	})
	return err
}
