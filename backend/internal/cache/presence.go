package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 在线状态：成员、光标、选区、输入中。
// 全部带 TTL，纯 last-write-wins，连接断了状态自然蒸发。
type PresenceCache interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error)
	SetSelection(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error
	SetTyping(ctx context.Context, docID string, userID uint64, typing bool) error
}

type PresenceMember struct {
	UserID   uint64
	Username string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	pipe := p.rdb.Pipeline()
	// 房间集合 + 心跳键 + 名字表，一个管道一起写
	pipe.SAdd(ctx, roomKey(docID), userID)
	pipe.Set(ctx, memberKey(docID, userID), "1", ttl)
	pipe.HSet(ctx, namesKey(docID), strconv.FormatUint(userID, 10), username)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveMember 显式离开：把该成员的所有痕迹一并清掉。
func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, roomKey(docID), userID)
	pipe.Del(ctx, memberKey(docID, userID))
	pipe.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	pipe.Del(ctx, cursorKey(docID, userID))
	pipe.Del(ctx, selectionKey(docID, userID))
	pipe.Del(ctx, typingKey(docID, userID))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 取房间候选成员
	userIDs, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	// step2: 心跳键还在的才算活着
	existsCmds := make([]*redis.IntCmd, 0, len(userIDs))
	pipe := p.rdb.Pipeline()
	for _, userID := range userIDs {
		uid, err := strconv.ParseUint(userID, 10, 64)
		if err != nil {
			return nil, err
		}
		existsCmds = append(existsCmds, pipe.Exists(ctx, memberKey(docID, uid)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	aliveIDs := make([]uint64, 0, len(userIDs))
	aliveKeyFields := make([]string, 0, len(userIDs))
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			uid, err := strconv.ParseUint(userIDs[i], 10, 64)
			if err != nil {
				return nil, err
			}
			aliveIDs = append(aliveIDs, uid)
			aliveKeyFields = append(aliveKeyFields, userIDs[i])
		}
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 补上名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveKeyFields...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDs[i], Username: name})
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
}

func (p *redisPresence) SetSelection(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, selectionKey(docID, userID), jsonData, ttl).Err()
}

// SetTyping 输入中标记用短 TTL 自动兜底，typing-stop 丢了也不会一直亮着。
func (p *redisPresence) SetTyping(ctx context.Context, docID string, userID uint64, typing bool) error {
	if !typing {
		return p.rdb.Del(ctx, typingKey(docID, userID)).Err()
	}
	return p.rdb.Set(ctx, typingKey(docID, userID), "1", 10*time.Second).Err()
}
