package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"VisualSphere/src/library/log"
	"VisualSphere/src/library/monitor"
	"VisualSphere/src/library/storage"

	"github.com/cenkalti/backoff/v4"
)

// Load 启动时从存储加载快照；存储不可用时进入仅会话模式，不返回错误
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	data, err := r.store.Get(ctx, r.cfg.StorageKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Info("no persisted registry under %q, starting empty", r.cfg.StorageKey)
		return nil
	case err != nil:
		r.degrade(err)
		return nil
	}

	snap, migrated, err := DecodeSnapshot(data)
	if err != nil {
		// 损坏的文档不阻止启动，下次保存时覆盖
		log.Warning("persisted registry unreadable, ignoring: %v", err)
		return nil
	}
	r.merge(snap)
	r.mu.Lock()
	if !migrated {
		r.savedRev = r.rev
	}
	permanent := len(r.permanent)
	r.mu.Unlock()
	if migrated {
		log.Info("registry snapshot migrated to v%d", SnapshotVersion)
	}
	log.Info("registry loaded: %d stats, %d permanently blocked", len(snap.Stats), permanent)
	return nil
}

// Save 写入快照；配额不足时先裁剪最旧的统计再重试，屏蔽中的程序不裁剪
func (r *Registry) Save(ctx context.Context) error {
	r.mu.Lock()
	if r.degraded {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	for {
		r.mu.Lock()
		snap := r.snapshotLocked()
		rev := r.rev
		r.mu.Unlock()

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		err = r.setWithRetry(ctx, data)
		switch {
		case err == nil:
			r.mu.Lock()
			if rev > r.savedRev {
				r.savedRev = rev
			}
			r.mu.Unlock()
			monitor.ObserveRegistrySave(true)
			return nil
		case errors.Is(err, storage.ErrQuotaExceeded):
			if r.trimOldest(r.cfg.TrimBatch) == 0 {
				monitor.ObserveRegistrySave(false)
				log.Warning("registry over quota and nothing left to trim: %v", err)
				return err
			}
		case errors.Is(err, storage.ErrUnavailable):
			monitor.ObserveRegistrySave(false)
			r.degrade(err)
			return nil
		default:
			monitor.ObserveRegistrySave(false)
			return err
		}
	}
}

func (r *Registry) setWithRetry(ctx context.Context, data []byte) error {
	op := func() error {
		sctx := ctx
		if r.cfg.SaveTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, r.cfg.SaveTimeout)
			defer cancel()
		}
		err := r.store.Set(sctx, r.cfg.StorageKey, data)
		if errors.Is(err, storage.ErrQuotaExceeded) || errors.Is(err, storage.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(r.cfg.Retry.NewBackOff(), ctx))
}

// trimOldest 按 LastUpdated 删除最旧的统计，返回删除条数
func (r *Registry) trimOldest(batch int) int {
	if batch <= 0 {
		batch = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]string, 0, len(r.stats))
	for id := range r.stats {
		if !r.isBlockedAnywhereLocked(id) {
			candidates = append(candidates, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := r.stats[candidates[i]], r.stats[candidates[j]]
		if a.LastUpdated.Equal(b.LastUpdated) {
			return candidates[i] < candidates[j]
		}
		return a.LastUpdated.Before(b.LastUpdated)
	})
	if len(candidates) > batch {
		candidates = candidates[:batch]
	}
	for _, id := range candidates {
		delete(r.stats, id)
	}
	if len(candidates) > 0 {
		r.rev++
		log.Info("registry trimmed %d oldest stats entries to fit quota", len(candidates))
	}
	return len(candidates)
}

// degrade 存储不可用时只告警一次，之后只在会话内工作
func (r *Registry) degrade(err error) {
	r.mu.Lock()
	already := r.degraded
	r.degraded = true
	r.mu.Unlock()
	if !already {
		log.Warning("persistent store unavailable, registry continues in session-only mode: %v", err)
	}
}
