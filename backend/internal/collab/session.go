package collab

import (
	"time"

	"go.uber.org/zap"

	"collabEngine/backend/internal/logger"
)

// 空置会话的回收宽限期：活跃用户清零后再等这么久才逐出，
// 期间有人重新加入就取消回收。
const SessionGracePeriod = 5 * time.Minute

// DocumentSession 单个文档的全部内存态。
// 只允许所属 docWorker 的 goroutine 触碰，外界一律通过命令队列进来，
// 所以这里没有任何锁（对原先全局 map + 各处加锁写法的重构）。
// userRef 用户的在场计数。同一用户可以开多个标签页/设备，
// 每条连接 join 一次计一票，票数归零才算真正离开。
type userRef struct {
	joinedAt time.Time
	conns    int
}

type DocumentSession struct {
	docID        string
	buf          *PieceTable
	version      uint64
	checksum     string
	lastModified time.Time
	activeUsers  map[uint64]*userRef
	log          *opLog

	// 三方合并的公共祖先：上次与持久层对齐时的内容与持久版本号
	baseContent string
	baseVersion uint64

	// 去重窗口：每个 clientId 最近的最大 clientSeq
	lastSeqByClient map[string]uint64
}

// SessionState 握手/读取时对外的状态快照。
type SessionState struct {
	DocID        string    `json:"docId"`
	Content      string    `json:"content"`
	Version      uint64    `json:"version"`
	Checksum     string    `json:"checksum"`
	LastModified time.Time `json:"lastModified"`
	ActiveUsers  []uint64  `json:"activeUsers"`
}

func (ds *DocumentSession) snapshot() SessionState {
	users := make([]uint64, 0, len(ds.activeUsers))
	for uid := range ds.activeUsers {
		users = append(users, uid)
	}
	return SessionState{
		DocID:        ds.docID,
		Content:      ds.buf.String(),
		Version:      ds.version,
		Checksum:     ds.checksum,
		LastModified: ds.lastModified,
		ActiveUsers:  users,
	}
}

type workItem struct {
	fn   func(*DocumentSession)
	done chan struct{}
}

// docWorker 每个活跃文档一个。goroutine 独占会话状态，
// 命令串行执行，跨文档的操作互不影响。
type docWorker struct {
	docID string
	cmds  chan workItem
	evict chan struct{} // 回收定时器到点
	quit  chan struct{} // worker 退出后关闭，未送达的命令据此失败
	timer *time.Timer   // 待触发的回收定时器（只在 worker goroutine 里碰）
}

func newDocWorker(docID string) *docWorker {
	return &docWorker{
		docID: docID,
		cmds:  make(chan workItem, 64),
		evict: make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
}

// run 命令循环。evict 信号到达时由 Service 判定是否真的逐出
// （宽限期内有人回来就继续活着）。
func (w *docWorker) run(ds *DocumentSession, s *Service) {
	for {
		select {
		case item := <-w.cmds:
			item.fn(ds)
			close(item.done)
		case <-w.evict:
			if s.tryEvict(w, ds) {
				return
			}
		}
	}
}

func (w *docWorker) scheduleEvict(grace time.Duration) {
	w.cancelEvict()
	w.timer = time.AfterFunc(grace, func() {
		select {
		case w.evict <- struct{}{}:
		default:
		}
	})
}

func (w *docWorker) cancelEvict() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// tryEvict 宽限期满。仍然空置才逐出：先从注册表摘掉（之后的访问
// 会走持久层重读），再做一次兜底落盘，最后退出 worker。
func (s *Service) tryEvict(w *docWorker, ds *DocumentSession) bool {
	if len(ds.activeUsers) > 0 {
		return false
	}
	s.mu.Lock()
	if cur := s.workers[w.docID]; cur != w {
		s.mu.Unlock()
		return true
	}
	delete(s.workers, w.docID)
	s.mu.Unlock()

	s.cancelAutoSave(w.docID)
	close(w.quit)

	if ds.version > 0 && ds.buf.String() != ds.baseContent {
		if _, err := s.saveLocked(ds, 0); err != nil {
			logger.Warn("final save on eviction failed",
				zap.String("docId", w.docID), zap.Error(err))
		}
	}
	logger.Info("session evicted", zap.String("docId", w.docID))
	return true
}
