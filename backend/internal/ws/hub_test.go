package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bareConn(hub *Hub, userID uint64) *Conn {
	return NewConn(nil, hub, userID, "", nil, nil, nil)
}

func drain(c *Conn) []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHub_BroadcastExcludesOrigin(t *testing.T) {
	h := NewHub()
	a := bareConn(h, 1)
	b := bareConn(h, 2)
	c := bareConn(h, 3)
	h.Join("doc-1", a)
	h.Join("doc-1", b)
	h.Join("doc-1", c)

	h.Broadcast("doc-1", a, TypingMessage{Type: "typing", DocID: "doc-1", UserID: 1, IsTyping: true})

	assert.Empty(t, drain(a))
	require.Len(t, drain(b), 1)
	require.Len(t, drain(c), 1)
}

func TestHub_BroadcastScopedToRoom(t *testing.T) {
	h := NewHub()
	a := bareConn(h, 1)
	b := bareConn(h, 2)
	h.Join("doc-1", a)
	h.Join("doc-2", b)

	h.Broadcast("doc-1", nil, TypingMessage{Type: "typing", DocID: "doc-1"})

	require.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	h := NewHub()
	a := bareConn(h, 1)
	b := bareConn(h, 2)
	h.Join("doc-1", a)
	h.Join("doc-1", b)
	h.Leave("doc-1", b)

	h.Broadcast("doc-1", a, TypingMessage{Type: "typing", DocID: "doc-1"})
	assert.Empty(t, drain(b))

	// 重复 Leave 与未知房间都不报错
	h.Leave("doc-1", b)
	h.Leave("doc-x", b)
}

// 同一用户的多个连接都会收到广播:房间按连接而不是按用户组织。
func TestHub_SameUserMultipleConns(t *testing.T) {
	h := NewHub()
	tab1 := bareConn(h, 1)
	tab2 := bareConn(h, 1)
	h.Join("doc-1", tab1)
	h.Join("doc-1", tab2)

	h.Broadcast("doc-1", tab1, TypingMessage{Type: "typing", DocID: "doc-1"})

	assert.Empty(t, drain(tab1))
	require.Len(t, drain(tab2), 1)
}

// 断连与广播的竞争:出站队列已关、连接还没来得及移出房间时,
// 别人的广播必须安全落空,而不是 panic 掉广播方。
func TestHub_BroadcastAfterConnClosed(t *testing.T) {
	h := NewHub()
	a := bareConn(h, 1)
	b := bareConn(h, 2)
	h.Join("doc-1", a)
	h.Join("doc-1", b)

	b.closeSend()
	h.Broadcast("doc-1", a, TypingMessage{Type: "typing", DocID: "doc-1", UserID: 1, IsTyping: true})

	// 关闭后 enqueue 静默丢弃,广播方活着,发起方照旧被排除
	assert.Empty(t, drain(a))
}

func TestConn_CloseSendIdempotent(t *testing.T) {
	c := bareConn(NewHub(), 1)
	c.closeSend()
	c.closeSend()
	// 关闭之后投递是无害的 no-op
	c.enqueue(TypingMessage{Type: "typing"})
}

// 慢消费者队列满了直接丢,广播方不会被阻塞。
func TestHub_SlowConsumerDropsMessages(t *testing.T) {
	h := NewHub()
	a := bareConn(h, 1)
	slow := bareConn(h, 2)
	h.Join("doc-1", a)
	h.Join("doc-1", slow)

	for i := 0; i < 100; i++ {
		h.Broadcast("doc-1", a, TypingMessage{Type: "typing", DocID: "doc-1"})
	}
	got := drain(slow)
	assert.Len(t, got, cap(slow.send))
}
