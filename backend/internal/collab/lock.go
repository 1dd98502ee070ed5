package collab

import (
	"sync"
	"time"
)

// 段落锁是建议性的：只用于客户端互相避让，不参与操作变换，
// 也不会挡住原始操作的落地。
const LockTTL = 5 * time.Minute

type Lock struct {
	DocID      string    `json:"docId"`
	SectionID  string    `json:"sectionId"`
	HolderID   uint64    `json:"holderId"`
	LockType   string    `json:"lockType"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (l Lock) expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// LockResult 锁冲突不是错误：失败时带回当前持有者和到期时间。
type LockResult struct {
	Acquired  bool      `json:"acquired"`
	HolderID  uint64    `json:"holderId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type lockKey struct {
	docID     string
	sectionID string
}

// LockManager 全部锁都在这一张表里，单把互斥锁保护。
// 锁操作是同步的纯内存操作，不需要走每文档 worker。
type LockManager struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[lockKey]Lock
	now   func() time.Time

	// 上次全表清扫的时间。过期锁平时按 key 惰性处理，
	// 再也没人查的文档靠周期性清扫兜底，表不会无限长。
	lastSweep time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{
		ttl:   LockTTL,
		locks: make(map[lockKey]Lock),
		now:   time.Now,
	}
}

// AcquireLock 同一 (docID, sectionID) 只允许一把未过期的锁。
// 自己重复获取视为续期；过期锁当作不存在直接覆盖。
func (m *LockManager) AcquireLock(docID, sectionID string, userID uint64, lockType string) LockResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)
	key := lockKey{docID: docID, sectionID: sectionID}
	if cur, ok := m.locks[key]; ok && !cur.expired(now) && cur.HolderID != userID {
		return LockResult{Acquired: false, HolderID: cur.HolderID, ExpiresAt: cur.ExpiresAt}
	}

	lk := Lock{
		DocID:      docID,
		SectionID:  sectionID,
		HolderID:   userID,
		LockType:   lockType,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	m.locks[key] = lk
	return LockResult{Acquired: true, HolderID: userID, ExpiresAt: lk.ExpiresAt}
}

// sweepLocked 全表清掉过期锁，每个 TTL 周期最多跑一次。调用方持锁。
func (m *LockManager) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < m.ttl {
		return
	}
	m.lastSweep = now
	for key, lk := range m.locks {
		if lk.expired(now) {
			delete(m.locks, key)
		}
	}
}

// ReleaseLock 只有当前持有者能释放。
func (m *LockManager) ReleaseLock(docID, sectionID string, userID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey{docID: docID, sectionID: sectionID}
	cur, ok := m.locks[key]
	if !ok || cur.HolderID != userID {
		return false
	}
	delete(m.locks, key)
	return true
}

// ReleaseAllLocks 断连清理路径：释放该用户在这个文档上的所有锁。
func (m *LockManager) ReleaseAllLocks(docID string, userID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, lk := range m.locks {
		if key.docID == docID && lk.HolderID == userID {
			delete(m.locks, key)
			count++
		}
	}
	return count
}

// Service 层的锁入口：在 LockManager 之上补审计事件。
func (s *Service) AcquireLock(docID, sectionID string, userID uint64, lockType string) LockResult {
	res := s.locks.AcquireLock(docID, sectionID, userID, lockType)
	if res.Acquired {
		s.emit(AuditEvent{EventType: EventLockAcquired, DocID: docID,
			SectionID: sectionID, AuthorID: userID})
	}
	return res
}

func (s *Service) ReleaseLock(docID, sectionID string, userID uint64) bool {
	ok := s.locks.ReleaseLock(docID, sectionID, userID)
	if ok {
		s.emit(AuditEvent{EventType: EventLockReleased, DocID: docID,
			SectionID: sectionID, AuthorID: userID})
	}
	return ok
}

func (s *Service) ReleaseAllLocks(docID string, userID uint64) int {
	count := s.locks.ReleaseAllLocks(docID, userID)
	if count > 0 {
		s.emit(AuditEvent{EventType: EventLockReleased, DocID: docID, AuthorID: userID})
	}
	return count
}

func (s *Service) ActiveLocks(docID string) []Lock {
	return s.locks.ActiveLocks(docID)
}

// ActiveLocks 返回文档当前未过期的锁（join 握手时下发）。
func (m *LockManager) ActiveLocks(docID string) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Lock
	for key, lk := range m.locks {
		if key.docID != docID {
			continue
		}
		if lk.expired(now) {
			delete(m.locks, key)
			continue
		}
		out = append(out, lk)
	}
	return out
}
