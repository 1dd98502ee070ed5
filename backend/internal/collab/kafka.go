package collab

import (
	"time"

	"collabEngine/backend/internal/ot"
)

// 审计事件流：引擎里每个值得留痕的动作都发一条到 Kafka，
// 按 docId 做 key，同一文档的事件有序落在同一分区。
const (
	EventOpApplied     = "OP_APPLIED"
	EventDocSaved      = "DOC_SAVED"
	EventSessionJoined = "SESSION_JOINED"
	EventSessionLeft   = "SESSION_LEFT"
	EventLockAcquired  = "LOCK_ACQUIRED"
	EventLockReleased  = "LOCK_RELEASED"
)

type AuditEvent struct {
	EventType   string    `json:"eventType"`
	DocID       string    `json:"docId"`
	OperationID string    `json:"operationId,omitempty"`
	Version     uint64    `json:"version,omitempty"`
	AuthorID    uint64    `json:"authorId,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	ClientSeq   uint64    `json:"clientSeq,omitempty"`
	BaseVersion uint64    `json:"baseVersion,omitempty"`
	Ops         ot.Batch  `json:"ops,omitempty"`
	SectionID   string    `json:"sectionId,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	MergeStatus string    `json:"mergeStatus,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}
