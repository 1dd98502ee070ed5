package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabEngine/backend/internal/logger"
	"collabEngine/backend/internal/ot"
)

var (
	// 调用方必须先 join，才能对文档提交操作
	ErrNoActiveSession = errors.New("NO_ACTIVE_SESSION")
	// 客户端版本超前于服务端，只能是客户端状态错乱
	ErrRevisionConflict = errors.New("REVISION_CONFLICT")
	// 客户端版本老到操作日志已剪枝，无法变换，需要重新同步
	ErrRevisionTooOld = errors.New("REVISION_TOO_OLD")
	// 同一 clientId 的 clientSeq 必须递增
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
)

// PersistedDocument 持久层里的文档（生命周期归外部存储管）。
type PersistedDocument struct {
	DocID     string
	Content   string
	Version   uint64
	UpdatedAt time.Time
}

var ErrDocumentNotFound = errors.New("document not found")

// 持久层依赖，只声明接口，实现都在 store 包里。
type DocumentStore interface {
	GetDocument(ctx context.Context, docID string) (PersistedDocument, error)
	SaveDocument(ctx context.Context, docID, content string, version uint64) error
}

type HistoryStore interface {
	RecordVersion(ctx context.Context, docID string, version uint64, content string, authorID uint64) error
}

// UserStore 外部身份服务：userId -> 展示信息。
type UserStore interface {
	GetUser(ctx context.Context, userID uint64) (UserInfo, error)
}

type UserInfo struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// Collaborator 在线协作者的展示视图，随连接生灭，从不落库。
type Collaborator struct {
	UserID   uint64    `json:"userId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ApplyResult 一次 ApplyChanges 的结果。
type ApplyResult struct {
	OperationID    string   `json:"operationId"`
	TransformedOps ot.Batch `json:"transformedOps"`
	NewVersion     uint64   `json:"newVersion"`
	Checksum       string   `json:"checksum"`
}

type Options struct {
	RingCap       int
	AutoSaveDelay time.Duration
	GracePeriod   time.Duration
}

// Service 协作引擎门面：持有所有文档 worker 的注册表，
// 会话状态的一切变更都经由对应 worker 的命令队列。
type Service struct {
	mu      sync.RWMutex
	workers map[string]*docWorker

	documents DocumentStore
	history   HistoryStore
	users     UserStore
	locks     *LockManager

	dispatcher *AuditDispatcher

	asMu      sync.Mutex
	autosaves map[string]*time.Timer

	ringCap       int
	autoSaveDelay time.Duration
	gracePeriod   time.Duration
}

func NewService(documents DocumentStore, history HistoryStore, users UserStore,
	locks *LockManager, dispatcher *AuditDispatcher, opt Options) *Service {
	if opt.RingCap <= 0 {
		opt.RingCap = 1024
	}
	if opt.AutoSaveDelay <= 0 {
		opt.AutoSaveDelay = 30 * time.Second
	}
	if opt.GracePeriod <= 0 {
		opt.GracePeriod = SessionGracePeriod
	}
	return &Service{
		workers:       make(map[string]*docWorker),
		documents:     documents,
		history:       history,
		users:         users,
		locks:         locks,
		dispatcher:    dispatcher,
		autosaves:     make(map[string]*time.Timer),
		ringCap:       opt.RingCap,
		autoSaveDelay: opt.AutoSaveDelay,
		gracePeriod:   opt.GracePeriod,
	}
}

// post 把命令投递给文档 worker 并等待执行完。
// worker 不存在（未 join 或已逐出）返回 ErrNoActiveSession。
func (s *Service) post(docID string, fn func(*DocumentSession)) error {
	s.mu.RLock()
	w := s.workers[docID]
	s.mu.RUnlock()
	if w == nil {
		return ErrNoActiveSession
	}

	item := workItem{fn: fn, done: make(chan struct{})}
	select {
	case w.cmds <- item:
	case <-w.quit:
		return ErrNoActiveSession
	}
	select {
	case <-item.done:
		return nil
	case <-w.quit:
		// 被接收但 worker 在执行前退出了
		select {
		case <-item.done:
			return nil
		default:
			return ErrNoActiveSession
		}
	}
}

// InitializeSession 首次 join 时从持久层加载内容并种下会话；
// 之后的 join 只更新活跃集合。同一用户的每条连接 join 计一票
// （多标签页场景），对外的活跃集合仍按用户去重。
func (s *Service) InitializeSession(ctx context.Context, docID string, userID uint64) (SessionState, error) {
	var state SessionState
	join := func(ds *DocumentSession) {
		if ref, ok := ds.activeUsers[userID]; ok {
			ref.conns++
		} else {
			ds.activeUsers[userID] = &userRef{joinedAt: time.Now(), conns: 1}
		}
		state = ds.snapshot()
	}

	// 与逐出竞争时最多重试几次：post 失败说明 worker 正好退出，重建即可
	for attempt := 0; attempt < 3; attempt++ {
		if err := s.ensureWorker(ctx, docID); err != nil {
			return SessionState{}, err
		}
		if err := s.post(docID, join); err == nil {
			s.emit(AuditEvent{EventType: EventSessionJoined, DocID: docID, AuthorID: userID})
			return state, nil
		}
	}
	return SessionState{}, ErrNoActiveSession
}

// ensureWorker 注册表里没有就建。持久读放在注册表锁外做，
// 竞争输了就丢弃这次读到的内容。
func (s *Service) ensureWorker(ctx context.Context, docID string) error {
	s.mu.RLock()
	_, ok := s.workers[docID]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	doc, err := s.documents.GetDocument(ctx, docID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[docID]; ok {
		return nil
	}
	ds := &DocumentSession{
		docID:           docID,
		buf:             NewPieceTable(doc.Content),
		checksum:        ot.Checksum(doc.Content),
		lastModified:    doc.UpdatedAt,
		activeUsers:     make(map[uint64]*userRef),
		log:             newOpLog(s.ringCap),
		baseContent:     doc.Content,
		baseVersion:     doc.Version,
		lastSeqByClient: make(map[string]uint64),
	}
	w := newDocWorker(docID)
	s.workers[docID] = w
	go w.run(ds, s)
	return nil
}

// ApplyChanges 核心提交路径：校验版本、对错过的日志做 OT 变换、
// 落到缓冲区、版本号 +1、追加日志、重算校验和。
func (s *Service) ApplyChanges(ctx context.Context, docID string, userID uint64,
	ops ot.Batch, clientVersion uint64, clientID string, clientSeq uint64) (ApplyResult, error) {

	var res ApplyResult
	var opErr error
	err := s.post(docID, func(ds *DocumentSession) {
		// 幂等/去重：只允许同一 clientId 的 seq 递增
		if clientID != "" {
			if last := ds.lastSeqByClient[clientID]; clientSeq <= last {
				opErr = ErrDuplicateOrOutOfOrder
				return
			}
		}
		if clientVersion > ds.version {
			opErr = ErrRevisionConflict
			return
		}
		if clientVersion < ds.version {
			oldest := ds.version
			if entries := ds.log.entries; len(entries) > 0 {
				oldest = entries[0].ResultingVersion - 1
			}
			if clientVersion < oldest {
				opErr = ErrRevisionTooOld
				return
			}
		}

		transformed := ops
		if clientVersion < ds.version {
			transformed = ot.TransformBatch(ops, ds.log.missedOps(clientVersion))
		}

		ot.ApplyBatch(ds.buf, transformed)
		ds.version++
		content := ds.buf.String()
		ds.checksum = ot.Checksum(content)
		ds.lastModified = time.Now()

		entry := OperationLogEntry{
			OperationID:      uuid.NewString(),
			Ops:              transformed,
			ResultingVersion: ds.version,
			AppliedAt:        ds.lastModified,
		}
		ds.log.append(entry)
		if clientID != "" {
			ds.lastSeqByClient[clientID] = clientSeq
		}

		res = ApplyResult{
			OperationID:    entry.OperationID,
			TransformedOps: transformed,
			NewVersion:     ds.version,
			Checksum:       ds.checksum,
		}
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if opErr != nil {
		return ApplyResult{}, opErr
	}

	s.emit(AuditEvent{
		EventType:   EventOpApplied,
		DocID:       docID,
		OperationID: res.OperationID,
		Version:     res.NewVersion,
		AuthorID:    userID,
		ClientID:    clientID,
		ClientSeq:   clientSeq,
		BaseVersion: clientVersion,
		Ops:         res.TransformedOps,
		Checksum:    res.Checksum,
	})
	s.ScheduleAutoSave(docID)
	return res, nil
}

// RemoveCollaborator 幂等：重复 leave 不报错也不会少减。
// 每次去掉一票，用户还有别的连接在线就继续算活跃；
// 活跃集合清零后挂上宽限期回收定时器。
func (s *Service) RemoveCollaborator(docID string, userID uint64) {
	err := s.post(docID, func(ds *DocumentSession) {
		ref, ok := ds.activeUsers[userID]
		if !ok {
			return
		}
		if ref.conns--; ref.conns > 0 {
			return
		}
		delete(ds.activeUsers, userID)
		if len(ds.activeUsers) == 0 {
			s.mu.RLock()
			w := s.workers[docID]
			s.mu.RUnlock()
			if w != nil {
				w.scheduleEvict(s.gracePeriod)
			}
		}
	})
	if err == nil {
		s.emit(AuditEvent{EventType: EventSessionLeft, DocID: docID, AuthorID: userID})
	}
}

// GetState 有会话读内存；没有就去持久层做一次无锁读（不算 join）。
func (s *Service) GetState(ctx context.Context, docID string) (SessionState, error) {
	var state SessionState
	err := s.post(docID, func(ds *DocumentSession) {
		state = ds.snapshot()
	})
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrNoActiveSession) {
		return SessionState{}, err
	}

	doc, err := s.documents.GetDocument(ctx, docID)
	if err != nil {
		return SessionState{}, err
	}
	return SessionState{
		DocID:        docID,
		Content:      doc.Content,
		Version:      doc.Version,
		Checksum:     ot.Checksum(doc.Content),
		LastModified: doc.UpdatedAt,
	}, nil
}

// OpsSince 重连追平：返回 fromVersion 之后的已应用操作。
func (s *Service) OpsSince(docID string, fromVersion uint64, limit int) ([]OperationLogEntry, error) {
	var out []OperationLogEntry
	err := s.post(docID, func(ds *DocumentSession) {
		out = ds.log.since(fromVersion, limit)
	})
	return out, err
}

// GetActiveCollaborators 把活跃集合拿去身份服务换展示信息。
// 身份查询在 worker 外做，不占序列化通道。
func (s *Service) GetActiveCollaborators(ctx context.Context, docID string) ([]Collaborator, error) {
	joined := make(map[uint64]time.Time)
	err := s.post(docID, func(ds *DocumentSession) {
		for uid, ref := range ds.activeUsers {
			joined[uid] = ref.joinedAt
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]Collaborator, 0, len(joined))
	for uid, at := range joined {
		info, err := s.users.GetUser(ctx, uid)
		if err != nil {
			// 身份服务查不到不影响其他成员
			logger.Warn("identity lookup failed", zap.Uint64("userId", uid), zap.Error(err))
			info = UserInfo{UserID: uid}
		}
		out = append(out, Collaborator{UserID: uid, Username: info.Username, JoinedAt: at})
	}
	return out, nil
}

func (s *Service) emit(evt AuditEvent) {
	if s.dispatcher == nil {
		return
	}
	evt.OccurredAt = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.dispatcher.Enqueue(ctx, evt); err != nil {
		logger.Warn("audit enqueue dropped", zap.String("docId", evt.DocID),
			zap.String("event", evt.EventType), zap.Error(err))
	}
}
