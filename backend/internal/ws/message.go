package ws

import (
	"time"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/ot"
)

// ClientMessage 入站事件的统一载体，按 Type 分发。
// Position/Selection 对服务端是不透明 JSON，只负责转发。
type ClientMessage struct {
	Type       string      `json:"type"`
	DocID      string      `json:"docId"`
	SectionID  string      `json:"sectionId,omitempty"`
	LockType   string      `json:"lockType,omitempty"`
	Position   interface{} `json:"position,omitempty"`
	Selection  interface{} `json:"selection,omitempty"`
	Version    uint64      `json:"version"`
	ClientID   string      `json:"clientId,omitempty"`
	ClientSeq  uint64      `json:"clientSeq,omitempty"`
	Operations ot.Batch    `json:"operations,omitempty"`
}

// 入站事件类型（协议面约定，改了就是破坏兼容）
const (
	EvtJoinDocument    = "join-document"
	EvtLeaveDocument   = "leave-document"
	EvtContentChange   = "content-change"
	EvtCursorPosition  = "cursor-position"
	EvtSelectionChange = "selection-change"
	EvtLockSection     = "lock-section"
	EvtUnlockSection   = "unlock-section"
	EvtSaveDocument    = "save-document"
	EvtTypingStart     = "typing-start"
	EvtTypingStop      = "typing-stop"
	EvtSyncRequest     = "sync-request"
	EvtHeartbeat       = "heartbeat"
)

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type ServerMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	Content string `json:"content,omitempty"`
}

// DocumentStateMessage join 握手回执：当前状态 + 协作者 + 未过期的锁。
type DocumentStateMessage struct {
	Type          string                `json:"type"` // 固定 "document-state"
	DocID         string                `json:"docId"`
	Content       string                `json:"content"`
	Version       uint64                `json:"version"`
	Checksum      string                `json:"checksum"`
	Collaborators []collab.Collaborator `json:"collaborators"`
	Locks         []collab.Lock         `json:"locks"`
}

type ChangeAckMessage struct {
	Type     string `json:"type"` // 固定 "change-acknowledged"
	DocID    string `json:"docId"`
	Version  uint64 `json:"version"`
	Checksum string `json:"checksum"`
}

// ContentChangedMessage 广播给同文档房间内其他连接的已应用变更。
// 携带的是变换后的操作，接收方直接应用并把本地版本对齐到 Version。
type ContentChangedMessage struct {
	Type       string   `json:"type"` // 固定 "content-changed"
	DocID      string   `json:"docId"`
	AuthorID   uint64   `json:"authorId"`
	Operations ot.Batch `json:"operations"`
	Version    uint64   `json:"version"`
	Checksum   string   `json:"checksum"`
}

type CursorUpdateMessage struct {
	Type      string      `json:"type"` // 固定 "cursor-update"
	DocID     string      `json:"docId"`
	UserID    uint64      `json:"userId"`
	Position  interface{} `json:"position,omitempty"`
	Selection interface{} `json:"selection,omitempty"`
}

type SelectionUpdateMessage struct {
	Type      string      `json:"type"` // 固定 "selection-update"
	DocID     string      `json:"docId"`
	UserID    uint64      `json:"userId"`
	Selection interface{} `json:"selection,omitempty"`
}

// LockResultMessage lock-section 的回执：拿不到锁不算错误，
// 带回当前持有者和到期时间让客户端自己决定。
type LockResultMessage struct {
	Type      string    `json:"type"` // 固定 "lock-result"
	DocID     string    `json:"docId"`
	SectionID string    `json:"sectionId"`
	Acquired  bool      `json:"acquired"`
	HolderID  uint64    `json:"holderId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type SectionLockedMessage struct {
	Type      string    `json:"type"` // 固定 "section-locked"
	DocID     string    `json:"docId"`
	SectionID string    `json:"sectionId"`
	HolderID  uint64    `json:"holderId"`
	LockType  string    `json:"lockType,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SectionUnlockedMessage struct {
	Type      string `json:"type"` // 固定 "section-unlocked"
	DocID     string `json:"docId"`
	SectionID string `json:"sectionId"`
	UserID    uint64 `json:"userId"`
}

type DocumentSavedMessage struct {
	Type      string              `json:"type"` // 固定 "document-saved"
	DocID     string              `json:"docId"`
	Version   uint64              `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
	Merge     collab.MergeOutcome `json:"merge"`
}

type TypingMessage struct {
	Type     string `json:"type"` // 固定 "typing"
	DocID    string `json:"docId"`
	UserID   uint64 `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type PresenceMessage struct {
	Type    string                `json:"type"` // 固定 "presence"
	DocID   string                `json:"docId"`
	Members []collab.Collaborator `json:"members"`
}

type SyncResponseMessage struct {
	Type    string                     `json:"type"` // 固定 "sync-response"
	DocID   string                     `json:"docId"`
	Ops     []collab.OperationLogEntry `json:"ops"`
	Version uint64                     `json:"version"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // 固定 "error"
	DocID   string `json:"docId,omitempty"`
	Code    string `json:"code"`
	Content string `json:"content,omitempty"`
}

// 隐式实现 OutboundMessage 接口
func (m ServerMessage) MessageType() string          { return m.Type }
func (m DocumentStateMessage) MessageType() string   { return m.Type }
func (m ChangeAckMessage) MessageType() string       { return m.Type }
func (m ContentChangedMessage) MessageType() string  { return m.Type }
func (m CursorUpdateMessage) MessageType() string    { return m.Type }
func (m SelectionUpdateMessage) MessageType() string { return m.Type }
func (m LockResultMessage) MessageType() string      { return m.Type }
func (m SectionLockedMessage) MessageType() string   { return m.Type }
func (m SectionUnlockedMessage) MessageType() string { return m.Type }
func (m DocumentSavedMessage) MessageType() string   { return m.Type }
func (m TypingMessage) MessageType() string          { return m.Type }
func (m PresenceMessage) MessageType() string        { return m.Type }
func (m SyncResponseMessage) MessageType() string    { return m.Type }
func (m ErrorMessage) MessageType() string           { return m.Type }
