package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/logger"
)

const presenceTTL = 600 * time.Second

// Conn 一条客户端连接。一个连接可以先后或同时加入多个文档，
// joined 记录加入过哪些，断连时挨个清理。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	userID   uint64
	username string
	clientID string
	joined   map[string]struct{}

	// send 的关闭与投递之间有竞争：广播方从房间快照里拿到连接后、
	// 投递前，连接可能正好断开。closed 标记 + 锁保证不对已关闭的
	// channel 发送。
	sendMu sync.Mutex
	closed bool
	send   chan OutboundMessage

	svc      *collab.Service
	presence cache.PresenceCache
	// 信号量控制：限制同时在处理的 content-change 数量
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string,
	svc *collab.Service, presence cache.PresenceCache, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		joined:   make(map[string]struct{}),
		send:     make(chan OutboundMessage, 32),
		svc:      svc,
		presence: presence,
		sem:      sem,
	}
}

// enqueue 投递出站消息；队列满了直接丢，慢消费者不拖累广播方。
// 连接已关闭时静默丢弃，广播方永远不会因为别人断线而 panic。
func (c *Conn) enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend 关闭出站队列（写循环随之退出）。只能走这里关，
// 重复调用无害。必须在 cleanup 把连接移出所有房间之后再调。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

// readLoop 入站分发。返回即断连，cleanup 和 closeSend 由 Manager 兜底
// （顺序：先出房间再关队列，期间的并发广播由 enqueue 的 closed 标记兜住）。
func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			logger.Debug("ws read closed",
				zap.Uint64("userId", c.userID), zap.Error(err))
			return
		}
		if msg.ClientID != "" {
			c.clientID = msg.ClientID
		}

		switch msg.Type {
		case EvtJoinDocument:
			c.handleJoin(ctx, msg.DocID)
		case EvtLeaveDocument:
			c.handleLeave(ctx, msg.DocID)
		case EvtContentChange:
			c.handleContentChange(ctx, msg)
		case EvtCursorPosition:
			c.handleCursor(ctx, msg)
		case EvtSelectionChange:
			c.handleSelection(ctx, msg)
		case EvtLockSection:
			c.handleLock(msg)
		case EvtUnlockSection:
			c.handleUnlock(msg)
		case EvtSaveDocument:
			c.handleSave(ctx, msg.DocID)
		case EvtTypingStart:
			c.handleTyping(ctx, msg.DocID, true)
		case EvtTypingStop:
			c.handleTyping(ctx, msg.DocID, false)
		case EvtSyncRequest:
			c.handleSyncRequest(msg)
		case EvtHeartbeat:
			c.handleHeartbeat(ctx)
		default:
			c.enqueue(ErrorMessage{Type: "error", Code: "UNKNOWN_EVENT", Content: msg.Type})
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, docID string) {
	if docID == "" {
		c.enqueue(ErrorMessage{Type: "error", Code: "MISSING_DOC_ID"})
		return
	}

	state, err := c.svc.InitializeSession(ctx, docID, c.userID)
	if err != nil {
		logger.Warn("join failed", zap.String("docId", docID),
			zap.Uint64("userId", c.userID), zap.Error(err))
		c.enqueue(ErrorMessage{Type: "error", DocID: docID, Code: "JOIN_FAILED", Content: err.Error()})
		return
	}

	c.joined[docID] = struct{}{}
	c.hub.Join(docID, c)
	if err := c.presence.AddMember(ctx, docID, c.userID, c.username, presenceTTL); err != nil {
		logger.Warn("presence add failed", zap.String("docId", docID), zap.Error(err))
	}

	collaborators, err := c.svc.GetActiveCollaborators(ctx, docID)
	if err != nil {
		logger.Warn("collaborator lookup failed", zap.String("docId", docID), zap.Error(err))
	}

	c.enqueue(DocumentStateMessage{
		Type:          "document-state",
		DocID:         docID,
		Content:       state.Content,
		Version:       state.Version,
		Checksum:      state.Checksum,
		Collaborators: collaborators,
		Locks:         c.svc.ActiveLocks(docID),
	})
	// 把其他协作者落在缓存里的光标补发给新加入者
	for _, peer := range collaborators {
		if peer.UserID == c.userID {
			continue
		}
		raw, err := c.presence.GetCursor(ctx, docID, peer.UserID)
		if err != nil || len(raw) == 0 {
			continue
		}
		var cur struct {
			Position  interface{} `json:"position"`
			Selection interface{} `json:"selection"`
		}
		if json.Unmarshal(raw, &cur) != nil {
			continue
		}
		c.enqueue(CursorUpdateMessage{
			Type:      "cursor-update",
			DocID:     docID,
			UserID:    peer.UserID,
			Position:  cur.Position,
			Selection: cur.Selection,
		})
	}
	c.hub.Broadcast(docID, c, PresenceMessage{Type: "presence", DocID: docID, Members: collaborators})
}

// handleHeartbeat 心跳：给已加入文档里自己的在线键续期（不续期的话
// presenceTTL 到点就把人"蒸发"了），并回报各文档当前活着的成员。
func (c *Conn) handleHeartbeat(ctx context.Context) {
	for docID := range c.joined {
		if err := c.presence.AddMember(ctx, docID, c.userID, c.username, presenceTTL); err != nil {
			logger.Debug("presence renew failed",
				zap.String("docId", docID), zap.Uint64("userId", c.userID), zap.Error(err))
		}
		members, err := c.presence.GetAliveMembersWithNames(ctx, docID)
		if err != nil {
			logger.Debug("presence read failed", zap.String("docId", docID), zap.Error(err))
			continue
		}
		out := make([]collab.Collaborator, 0, len(members))
		for _, m := range members {
			out = append(out, collab.Collaborator{UserID: m.UserID, Username: m.Username})
		}
		c.enqueue(PresenceMessage{Type: "presence", DocID: docID, Members: out})
	}
}

// handleLeave 幂等：重复 leave 不报错。
func (c *Conn) handleLeave(ctx context.Context, docID string) {
	if _, ok := c.joined[docID]; !ok {
		return
	}
	delete(c.joined, docID)
	c.hub.Leave(docID, c)
	c.svc.RemoveCollaborator(docID, c.userID)
	c.svc.ReleaseAllLocks(docID, c.userID)
	if err := c.presence.RemoveMember(ctx, docID, c.userID); err != nil {
		logger.Warn("presence remove failed", zap.String("docId", docID), zap.Error(err))
	}

	collaborators, _ := c.svc.GetActiveCollaborators(ctx, docID)
	c.hub.Broadcast(docID, c, PresenceMessage{Type: "presence", DocID: docID, Members: collaborators})
}

func (c *Conn) handleContentChange(ctx context.Context, msg ClientMessage) {
	opCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(opCtx); err != nil {
		c.enqueue(ErrorMessage{Type: "error", DocID: msg.DocID, Code: "BUSY", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	res, err := c.svc.ApplyChanges(opCtx, msg.DocID, c.userID,
		msg.Operations, msg.Version, msg.ClientID, msg.ClientSeq)
	if err != nil {
		code := "APPLY_FAILED"
		switch {
		case errors.Is(err, collab.ErrNoActiveSession):
			code = "NO_ACTIVE_SESSION"
		case errors.Is(err, collab.ErrRevisionConflict):
			code = "REVISION_CONFLICT"
		case errors.Is(err, collab.ErrRevisionTooOld):
			code = "REVISION_TOO_OLD"
		case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
			code = "DUPLICATE_OR_OUT_OF_ORDER"
		}
		c.enqueue(ErrorMessage{Type: "error", DocID: msg.DocID, Code: code, Content: err.Error()})
		return
	}

	c.enqueue(ChangeAckMessage{
		Type:     "change-acknowledged",
		DocID:    msg.DocID,
		Version:  res.NewVersion,
		Checksum: res.Checksum,
	})
	c.hub.Broadcast(msg.DocID, c, ContentChangedMessage{
		Type:       "content-changed",
		DocID:      msg.DocID,
		AuthorID:   c.userID,
		Operations: res.TransformedOps,
		Version:    res.NewVersion,
		Checksum:   res.Checksum,
	})
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) {
	payload, err := json.Marshal(map[string]interface{}{
		"position":  msg.Position,
		"selection": msg.Selection,
	})
	if err == nil {
		if err := c.presence.SetCursor(ctx, msg.DocID, c.userID, payload, presenceTTL); err != nil {
			logger.Debug("cursor cache set failed", zap.Error(err))
		}
	}
	c.hub.Broadcast(msg.DocID, c, CursorUpdateMessage{
		Type:      "cursor-update",
		DocID:     msg.DocID,
		UserID:    c.userID,
		Position:  msg.Position,
		Selection: msg.Selection,
	})
}

func (c *Conn) handleSelection(ctx context.Context, msg ClientMessage) {
	if payload, err := json.Marshal(msg.Selection); err == nil {
		if err := c.presence.SetSelection(ctx, msg.DocID, c.userID, payload, presenceTTL); err != nil {
			logger.Debug("selection cache set failed", zap.Error(err))
		}
	}
	c.hub.Broadcast(msg.DocID, c, SelectionUpdateMessage{
		Type:      "selection-update",
		DocID:     msg.DocID,
		UserID:    c.userID,
		Selection: msg.Selection,
	})
}

func (c *Conn) handleLock(msg ClientMessage) {
	res := c.svc.AcquireLock(msg.DocID, msg.SectionID, c.userID, msg.LockType)
	c.enqueue(LockResultMessage{
		Type:      "lock-result",
		DocID:     msg.DocID,
		SectionID: msg.SectionID,
		Acquired:  res.Acquired,
		HolderID:  res.HolderID,
		ExpiresAt: res.ExpiresAt,
	})
	if res.Acquired {
		c.hub.Broadcast(msg.DocID, c, SectionLockedMessage{
			Type:      "section-locked",
			DocID:     msg.DocID,
			SectionID: msg.SectionID,
			HolderID:  c.userID,
			LockType:  msg.LockType,
			ExpiresAt: res.ExpiresAt,
		})
	}
}

func (c *Conn) handleUnlock(msg ClientMessage) {
	if !c.svc.ReleaseLock(msg.DocID, msg.SectionID, c.userID) {
		c.enqueue(ErrorMessage{Type: "error", DocID: msg.DocID, Code: "NOT_LOCK_HOLDER"})
		return
	}
	c.hub.Broadcast(msg.DocID, c, SectionUnlockedMessage{
		Type:      "section-unlocked",
		DocID:     msg.DocID,
		SectionID: msg.SectionID,
		UserID:    c.userID,
	})
}

func (c *Conn) handleSave(ctx context.Context, docID string) {
	res, err := c.svc.SaveContract(ctx, docID, c.userID)
	if err != nil {
		logger.Warn("save failed", zap.String("docId", docID), zap.Error(err))
		c.enqueue(ErrorMessage{Type: "error", DocID: docID, Code: "SAVE_FAILED", Content: err.Error()})
		return
	}
	saved := DocumentSavedMessage{
		Type:      "document-saved",
		DocID:     docID,
		Version:   res.Version,
		Timestamp: res.Timestamp,
		Merge:     res.Merge,
	}
	c.enqueue(saved)
	c.hub.Broadcast(docID, c, saved)
}

func (c *Conn) handleTyping(ctx context.Context, docID string, typing bool) {
	if err := c.presence.SetTyping(ctx, docID, c.userID, typing); err != nil {
		logger.Debug("typing cache set failed", zap.Error(err))
	}
	c.hub.Broadcast(docID, c, TypingMessage{
		Type:     "typing",
		DocID:    docID,
		UserID:   c.userID,
		IsTyping: typing,
	})
}

func (c *Conn) handleSyncRequest(msg ClientMessage) {
	ops, err := c.svc.OpsSince(msg.DocID, msg.Version, 0)
	if err != nil {
		c.enqueue(ErrorMessage{Type: "error", DocID: msg.DocID, Code: "NO_ACTIVE_SESSION"})
		return
	}
	version := msg.Version
	if n := len(ops); n > 0 {
		version = ops[n-1].ResultingVersion
	}
	c.enqueue(SyncResponseMessage{Type: "sync-response", DocID: msg.DocID, Ops: ops, Version: version})
}

// cleanup 断连兜底：对加入过的每个文档做 removeCollaborator + 释放锁。
// 这里是非正常断开时唯一的清理入口；持久侧/缓存失败只记日志，
// 内存态无条件清掉，绝不让会话和锁泄漏。
func (c *Conn) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for docID := range c.joined {
		c.hub.Leave(docID, c)
		c.svc.RemoveCollaborator(docID, c.userID)
		c.svc.ReleaseAllLocks(docID, c.userID)
		if err := c.presence.RemoveMember(ctx, docID, c.userID); err != nil {
			logger.Warn("presence cleanup failed",
				zap.String("docId", docID), zap.Uint64("userId", c.userID), zap.Error(err))
		}
		collaborators, _ := c.svc.GetActiveCollaborators(ctx, docID)
		c.hub.Broadcast(docID, c, PresenceMessage{Type: "presence", DocID: docID, Members: collaborators})
	}
	c.joined = make(map[string]struct{})
}
