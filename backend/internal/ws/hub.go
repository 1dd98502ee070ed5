package ws

import (
	"sync"
)

// Hub 按文档组织房间。广播一律裁掉发起连接，
// 只发给同一 docID 下的其他连接。
type Hub struct {
	// 保护 rooms 的并发访问；加入/离开/广播都会先拿锁
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间。
// 房间里存的是连接而不是 userID：同一用户可开多个标签页/设备，
// 广播要逐连接发。
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除。
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// Broadcast 发给房间里除 origin 外的所有连接。
func (h *Hub) Broadcast(docID string, origin *Conn, msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		if c != origin {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(msg)
	}
}
