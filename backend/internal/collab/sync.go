package collab

import (
	"context"
	"errors"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"collabEngine/backend/internal/logger"
	"collabEngine/backend/internal/ot"
)

type MergeStatus string

const (
	// 直接写入，持久层没有并行推进，无需合并
	MergeNone MergeStatus = "none"
	// 三方合并，全部补丁块应用成功
	MergeApplied MergeStatus = "applied"
	// 部分补丁块失败：尽力合并，调用方拿着这个标志决定要不要惊动人
	MergePartiallyApplied MergeStatus = "partially_applied"
	// 所有补丁块都没能落上
	MergeFailed MergeStatus = "failed"
)

// MergeOutcome 合并质量指示器。失败的补丁块意味着可能的内容丢失，
// 这里不吞掉，而是如实带给调用方并记日志。
type MergeOutcome struct {
	Status      MergeStatus `json:"status"`
	TotalHunks  int         `json:"totalHunks,omitempty"`
	FailedHunks int         `json:"failedHunks,omitempty"`
}

type SaveResult struct {
	Version   uint64       `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
	Merge     MergeOutcome `json:"merge"`
}

// SaveContract 把内存会话与持久层对齐。
// 整个流程在文档 worker 里执行，保存期间不会有操作插进来。
func (s *Service) SaveContract(ctx context.Context, docID string, userID uint64) (SaveResult, error) {
	var res SaveResult
	var saveErr error
	err := s.post(docID, func(ds *DocumentSession) {
		res, saveErr = s.saveLocked(ds, userID)
	})
	if err != nil {
		return SaveResult{}, err
	}
	if saveErr != nil {
		return SaveResult{}, saveErr
	}

	s.emit(AuditEvent{
		EventType:   EventDocSaved,
		DocID:       docID,
		Version:     res.Version,
		AuthorID:    userID,
		MergeStatus: string(res.Merge.Status),
	})
	return res, nil
}

// saveLocked 必须在文档 worker 的 goroutine 里调用。
// 持久版本比会话基线新 => 有别的进程落过盘，走三方合并；
// 否则直接写，持久版本 = 上一个持久版本 + 1。
func (s *Service) saveLocked(ds *DocumentSession, userID uint64) (SaveResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	content := ds.buf.String()
	outcome := MergeOutcome{Status: MergeNone}

	durable, err := s.documents.GetDocument(ctx, ds.docID)
	if err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return SaveResult{}, err
	}

	if err == nil && durable.Version > ds.baseVersion {
		// 三方合并：基线 -> 内存 的补丁集，打到持久内容上
		content, outcome = threeWayMerge(ds.baseContent, content, durable.Content)
		if outcome.Status != MergeApplied {
			logger.Warn("merge degraded",
				zap.String("docId", ds.docID),
				zap.String("status", string(outcome.Status)),
				zap.Int("failedHunks", outcome.FailedHunks))
		}
		// 内存内容重定基到合并结果，旧日志的坐标对不上新基线，全部剪掉
		ds.buf = NewPieceTable(content)
		ds.version++
		ds.log.reset()
	}

	newVersion := durable.Version + 1
	if err := s.documents.SaveDocument(ctx, ds.docID, content, newVersion); err != nil {
		return SaveResult{}, err
	}

	ds.baseContent = content
	ds.baseVersion = newVersion
	ds.checksum = ot.Checksum(ds.buf.String())
	now := time.Now()
	ds.lastModified = now

	// 每次保存都记一条版本历史
	if s.history != nil {
		if err := s.history.RecordVersion(ctx, ds.docID, newVersion, content, userID); err != nil {
			logger.Warn("record version history failed",
				zap.String("docId", ds.docID), zap.Error(err))
		}
	}

	return SaveResult{Version: newVersion, Timestamp: now, Merge: outcome}, nil
}

// threeWayMerge 对公共祖先 base 做 diff，把本地改动以补丁块为单位
// 打到 theirs 上。失败的块丢弃（尽力而为），数量随结果带回。
func threeWayMerge(base, mine, theirs string) (string, MergeOutcome) {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(base, mine)
	if len(patches) == 0 {
		return theirs, MergeOutcome{Status: MergeApplied}
	}

	merged, applied := dmp.PatchApply(patches, theirs)
	failed := 0
	for _, ok := range applied {
		if !ok {
			failed++
		}
	}

	outcome := MergeOutcome{TotalHunks: len(patches), FailedHunks: failed}
	switch {
	case failed == 0:
		outcome.Status = MergeApplied
	case failed < len(patches):
		outcome.Status = MergePartiallyApplied
	default:
		outcome.Status = MergeFailed
		merged = theirs
	}
	return merged, outcome
}

// ScheduleAutoSave 防抖：每次调用都重置该文档的定时器，
// 一个文档同一时刻最多挂一个待触发的自动保存。
func (s *Service) ScheduleAutoSave(docID string) {
	s.asMu.Lock()
	defer s.asMu.Unlock()

	if t, ok := s.autosaves[docID]; ok {
		t.Stop()
	}
	s.autosaves[docID] = time.AfterFunc(s.autoSaveDelay, func() {
		s.asMu.Lock()
		delete(s.autosaves, docID)
		s.asMu.Unlock()
		s.autoSaveFire(docID)
	})
}

func (s *Service) cancelAutoSave(docID string) {
	s.asMu.Lock()
	defer s.asMu.Unlock()
	if t, ok := s.autosaves[docID]; ok {
		t.Stop()
		delete(s.autosaves, docID)
	}
}

// autoSaveFire 静默期满。署名随便挑一个还在线的协作者。
func (s *Service) autoSaveFire(docID string) {
	var authorID uint64
	err := s.post(docID, func(ds *DocumentSession) {
		for uid := range ds.activeUsers {
			authorID = uid
			break
		}
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := s.SaveContract(ctx, docID, authorID); err != nil {
		logger.Warn("auto-save failed", zap.String("docId", docID), zap.Error(err))
	}
}
