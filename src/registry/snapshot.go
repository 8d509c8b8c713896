package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"VisualSphere/src/library/enum"
)

// SnapshotVersion 当前持久化文档版本
const SnapshotVersion = 2

// AggregateStats 跨会话的程序统计
type AggregateStats struct {
	TotalAttempts   int64                     `json:"total_attempts"`
	TotalFailures   int64                     `json:"total_failures"`
	FailureRate     float64                   `json:"failure_rate"`
	ReasonHistogram map[enum.ReasonCode]int64 `json:"reason_histogram"`
	DevicesFailedOn []string                  `json:"devices_failed_on"`
	LastUpdated     time.Time                 `json:"last_updated"`
}

func (s AggregateStats) clone() AggregateStats {
	out := s
	out.ReasonHistogram = make(map[enum.ReasonCode]int64, len(s.ReasonHistogram))
	for k, v := range s.ReasonHistogram {
		out.ReasonHistogram[k] = v
	}
	out.DevicesFailedOn = append([]string(nil), s.DevicesFailedOn...)
	return out
}

func (s *AggregateStats) recomputeRate() {
	if s.TotalAttempts < s.TotalFailures {
		s.TotalAttempts = s.TotalFailures
	}
	if s.TotalAttempts == 0 {
		s.FailureRate = 0
		return
	}
	s.FailureRate = float64(s.TotalFailures) / float64(s.TotalAttempts)
}

// addDevice 有序集合插入
func (s *AggregateStats) addDevice(fingerprint string) {
	i := sort.SearchStrings(s.DevicesFailedOn, fingerprint)
	if i < len(s.DevicesFailedOn) && s.DevicesFailedOn[i] == fingerprint {
		return
	}
	s.DevicesFailedOn = append(s.DevicesFailedOn, "")
	copy(s.DevicesFailedOn[i+1:], s.DevicesFailedOn[i:])
	s.DevicesFailedOn[i] = fingerprint
}

// BlockMetadata 屏蔽元数据
type BlockMetadata struct {
	AddedAt         time.Time       `json:"added_at"`
	AutoBlocked     bool            `json:"auto_blocked"`
	ReasonCode      enum.ReasonCode `json:"reason_code"`
	TriggeringStats AggregateStats  `json:"triggering_stats"`
}

// Blocklist 屏蔽列表的序列化形式，集合按字典序输出
type Blocklist struct {
	Permanent   []string                   `json:"permanent"`
	Conditional map[enum.BlockTag][]string `json:"conditional"`
	Metadata    map[string]BlockMetadata   `json:"metadata"`
}

// Snapshot 持久化与导出使用的带版本文档
type Snapshot struct {
	Version   int                       `json:"version"`
	SavedAt   time.Time                 `json:"saved_at"`
	Stats     map[string]AggregateStats `json:"stats"`
	Blocklist Blocklist                 `json:"blocklist"`
}

// legacySnapshot 第一版无版本号的屏蔽列表
type legacySnapshot struct {
	Permanent   []string                   `json:"permanent"`
	Conditional map[enum.BlockTag][]string `json:"conditional"`
}

// DecodeSnapshot 解析持久化文档，旧版本按确定规则迁移；第二个返回值表示发生了迁移
func DecodeSnapshot(data []byte) (*Snapshot, bool, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	switch head.Version {
	case 0, 1:
		var legacy legacySnapshot
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, false, fmt.Errorf("decode legacy snapshot: %w", err)
		}
		return migrateV1(legacy), true, nil
	case SnapshotVersion:
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, false, fmt.Errorf("decode snapshot v%d: %w", SnapshotVersion, err)
		}
		snap.normalize()
		return &snap, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported snapshot version %d", head.Version)
	}
}

// migrateV1 旧文档没有元数据和统计，迁移后元数据只标记为非自动屏蔽
func migrateV1(legacy legacySnapshot) *Snapshot {
	snap := &Snapshot{
		Version: SnapshotVersion,
		Stats:   map[string]AggregateStats{},
		Blocklist: Blocklist{
			Permanent:   legacy.Permanent,
			Conditional: legacy.Conditional,
			Metadata:    map[string]BlockMetadata{},
		},
	}
	snap.normalize()
	ids := append([]string(nil), snap.Blocklist.Permanent...)
	for _, tag := range enum.BlockTags() {
		ids = append(ids, snap.Blocklist.Conditional[tag]...)
	}
	for _, id := range ids {
		if _, ok := snap.Blocklist.Metadata[id]; !ok {
			snap.Blocklist.Metadata[id] = BlockMetadata{TriggeringStats: AggregateStats{ReasonHistogram: map[enum.ReasonCode]int64{}}}
		}
	}
	return snap
}

func (s *Snapshot) normalize() {
	if s.Stats == nil {
		s.Stats = map[string]AggregateStats{}
	}
	if s.Blocklist.Conditional == nil {
		s.Blocklist.Conditional = map[enum.BlockTag][]string{}
	}
	if s.Blocklist.Metadata == nil {
		s.Blocklist.Metadata = map[string]BlockMetadata{}
	}
	for id, st := range s.Stats {
		if st.ReasonHistogram == nil {
			st.ReasonHistogram = map[enum.ReasonCode]int64{}
			s.Stats[id] = st
		}
	}
	sort.Strings(s.Blocklist.Permanent)
	for tag := range s.Blocklist.Conditional {
		sort.Strings(s.Blocklist.Conditional[tag])
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
