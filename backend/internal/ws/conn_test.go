package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
)

// 内存版 PresenceCache,测试里顶替 Redis。
type fakePresence struct {
	mu      sync.Mutex
	renewed map[string]int
	lastTTL time.Duration
	members map[string][]cache.PresenceMember
	cursors map[string][]byte
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		renewed: make(map[string]int),
		members: make(map[string][]cache.PresenceMember),
		cursors: make(map[string][]byte),
	}
}

func cursorMapKey(docID string, userID uint64) string {
	return fmt.Sprintf("%s:%d", docID, userID)
}

func (p *fakePresence) AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renewed[docID]++
	p.lastTTL = ttl
	return nil
}

func (p *fakePresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	return nil
}

func (p *fakePresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]cache.PresenceMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[docID], nil
}

func (p *fakePresence) SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[cursorMapKey(docID, userID)] = jsonData
	return nil
}

func (p *fakePresence) GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.cursors[cursorMapKey(docID, userID)]
	if !ok {
		return nil, errors.New("cursor not found")
	}
	return raw, nil
}

func (p *fakePresence) SetSelection(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return nil
}

func (p *fakePresence) SetTyping(ctx context.Context, docID string, userID uint64, typing bool) error {
	return nil
}

type fakeDocStore struct{ docs map[string]collab.PersistedDocument }

func (s *fakeDocStore) GetDocument(ctx context.Context, docID string) (collab.PersistedDocument, error) {
	doc, ok := s.docs[docID]
	if !ok {
		return collab.PersistedDocument{}, collab.ErrDocumentNotFound
	}
	return doc, nil
}

func (s *fakeDocStore) SaveDocument(ctx context.Context, docID, content string, version uint64) error {
	s.docs[docID] = collab.PersistedDocument{DocID: docID, Content: content, Version: version}
	return nil
}

type fakeUserStore struct{}

func (fakeUserStore) GetUser(ctx context.Context, userID uint64) (collab.UserInfo, error) {
	return collab.UserInfo{UserID: userID, Username: fmt.Sprintf("user-%d", userID)}, nil
}

// 心跳:给已加入文档里自己的在线键续期,并回报活着的成员。
func TestConn_HeartbeatRenewsAndReportsMembers(t *testing.T) {
	fp := newFakePresence()
	fp.members["doc-1"] = []cache.PresenceMember{{UserID: 2, Username: "bob"}}

	c := NewConn(nil, NewHub(), 1, "alice", nil, fp, nil)
	c.joined["doc-1"] = struct{}{}

	c.handleHeartbeat(context.Background())

	assert.Equal(t, 1, fp.renewed["doc-1"])
	assert.Equal(t, presenceTTL, fp.lastTTL)

	msgs := drain(c)
	require.Len(t, msgs, 1)
	pm, ok := msgs[0].(PresenceMessage)
	require.True(t, ok)
	require.Len(t, pm.Members, 1)
	assert.Equal(t, uint64(2), pm.Members[0].UserID)
	assert.Equal(t, "bob", pm.Members[0].Username)
}

func TestConn_HeartbeatCoversEveryJoinedDoc(t *testing.T) {
	fp := newFakePresence()
	c := NewConn(nil, NewHub(), 1, "alice", nil, fp, nil)
	c.joined["doc-1"] = struct{}{}
	c.joined["doc-2"] = struct{}{}

	c.handleHeartbeat(context.Background())

	assert.Equal(t, 1, fp.renewed["doc-1"])
	assert.Equal(t, 1, fp.renewed["doc-2"])
}

// join 握手后,其他协作者缓存里的光标要补发给新加入者。
func TestConn_JoinSeedsPeerCursors(t *testing.T) {
	ctx := context.Background()
	store := &fakeDocStore{docs: map[string]collab.PersistedDocument{
		"doc-1": {DocID: "doc-1", Content: "contract body", Version: 1},
	}}
	svc := collab.NewService(store, nil, fakeUserStore{}, collab.NewLockManager(), nil, collab.Options{})

	// 用户 2 已经在会话里,光标也落了缓存
	_, err := svc.InitializeSession(ctx, "doc-1", 2)
	require.NoError(t, err)
	fp := newFakePresence()
	require.NoError(t, fp.SetCursor(ctx, "doc-1", 2, []byte(`{"position":42,"selection":null}`), time.Minute))

	c := NewConn(nil, NewHub(), 1, "alice", svc, fp, nil)
	c.handleJoin(ctx, "doc-1")

	msgs := drain(c)
	require.NotEmpty(t, msgs)

	state, ok := msgs[0].(DocumentStateMessage)
	require.True(t, ok)
	assert.Equal(t, "contract body", state.Content)
	assert.Len(t, state.Collaborators, 2)

	var cursor *CursorUpdateMessage
	for _, m := range msgs[1:] {
		if cm, ok := m.(CursorUpdateMessage); ok {
			cursor = &cm
			break
		}
	}
	require.NotNil(t, cursor, "expected a seeded cursor-update for the peer")
	assert.Equal(t, uint64(2), cursor.UserID)
	assert.Equal(t, float64(42), cursor.Position)
}

// 缓存里没有对方光标时,join 回执照常,只是没有补发。
func TestConn_JoinWithoutPeerCursor(t *testing.T) {
	ctx := context.Background()
	store := &fakeDocStore{docs: map[string]collab.PersistedDocument{
		"doc-1": {DocID: "doc-1", Content: "contract body", Version: 1},
	}}
	svc := collab.NewService(store, nil, fakeUserStore{}, collab.NewLockManager(), nil, collab.Options{})
	_, err := svc.InitializeSession(ctx, "doc-1", 2)
	require.NoError(t, err)

	c := NewConn(nil, NewHub(), 1, "alice", svc, newFakePresence(), nil)
	c.handleJoin(ctx, "doc-1")

	msgs := drain(c)
	require.NotEmpty(t, msgs)
	for _, m := range msgs {
		_, isCursor := m.(CursorUpdateMessage)
		assert.False(t, isCursor)
	}
}
