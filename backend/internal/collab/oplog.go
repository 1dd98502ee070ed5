package collab

import (
	"time"

	"collabEngine/backend/internal/ot"
)

// OperationLogEntry 一次成功提交对应一条日志：
// 记录的是“变换后真正落地”的那批操作，供迟到的客户端做 OT 追平。
type OperationLogEntry struct {
	OperationID      string    `json:"operationId"`
	Ops              ot.Batch  `json:"ops"`
	ResultingVersion uint64    `json:"resultingVersion"`
	AppliedAt        time.Time `json:"appliedAt"`
}

// opLog 近期操作环形缓冲（容量到了就丢最老的一条）。
// 只被所属文档的 worker 访问，不需要加锁。
type opLog struct {
	entries []OperationLogEntry
	ringCap int
}

func newOpLog(ringCap int) *opLog {
	if ringCap <= 0 {
		ringCap = 1024
	}
	return &opLog{
		entries: make([]OperationLogEntry, 0, ringCap),
		ringCap: ringCap,
	}
}

func (l *opLog) append(e OperationLogEntry) {
	if len(l.entries) == l.ringCap {
		copy(l.entries[0:], l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, e)
}

// since 返回 fromVersion 之后的日志（按日志顺序）。
func (l *opLog) since(fromVersion uint64, limit int) []OperationLogEntry {
	var out []OperationLogEntry
	for _, e := range l.entries {
		if e.ResultingVersion > fromVersion {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// missedOps 把 (fromVersion, 当前] 区间的日志摊平成一串操作。
func (l *opLog) missedOps(fromVersion uint64) ot.Batch {
	var out ot.Batch
	for _, e := range l.entries {
		if e.ResultingVersion > fromVersion {
			out = append(out, e.Ops...)
		}
	}
	return out
}

func (l *opLog) reset() {
	l.entries = l.entries[:0]
}
