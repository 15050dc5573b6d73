package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot"
	"syncServer/backend/internal/presence"
)

// Conn 单个客户端连接。状态机：认证（升级前由中间件完成）→
// 加入若干房间 → 关闭。读循环一个 goroutine，写循环一个 goroutine，
// 网络阻塞只挂起本连接，绝不阻塞实体串行化点。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	id       string
	userID   uint64
	username string

	// send 的写入方不止 writeLoop 的对端：hub 广播也会入队。
	// 关闭必须和入队互斥，sendClosed 之后的入队静默丢弃。
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage

	authority collab.Authority
	tracker   *presence.Tracker
	sem       *collab.SemaphoreControl

	// 本连接已加入的房间（entityKey → type/id），断连时逐个清理
	mu     sync.Mutex
	joined map[string][2]string
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, authority collab.Authority, tracker *presence.Tracker, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:        ws,
		hub:       hub,
		id:        uuid.NewString(),
		userID:    userID,
		username:  username,
		send:      make(chan OutboundMessage, 32),
		authority: authority,
		tracker:   tracker,
		sem:       sem,
		joined:    make(map[string][2]string),
	}
}

// SendMessage_Enqueue 非阻塞入队；队列满（慢消费者）直接丢弃，
// 客户端靠 ops_since 追平。连接关闭后的入队同样丢弃：广播方可能
// 在 Leave 之前就拿到了本连接的引用。
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend 终止 writeLoop。与 SendMessage_Enqueue 同锁，
// 关闭之后不会再有任何 goroutine 向 send 写入。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer c.cleanup(ctx)

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d conn=%s): %v", c.userID, c.id, err)
			return
		}

		switch msg.Type {
		case "join_entity":
			c.handleJoin(ctx, msg)
		case "leave_entity":
			c.handleLeave(ctx, msg)
		case "submit_operation":
			c.handleSubmit(ctx, msg)
		case "presence_update":
			c.handlePresence(ctx, msg)
		case "ops_since":
			c.handleOpsSince(ctx, msg)
		default:
			c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "UNKNOWN_MESSAGE", Message: "unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.EntityType == "" || msg.EntityID == "" {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "INVALID_OPERATION", Message: "entityType and entityId required"})
		return
	}
	key := collab.EntityKey(msg.EntityType, msg.EntityID)

	c.hub.Join(key, c)
	c.mu.Lock()
	c.joined[key] = [2]string{msg.EntityType, msg.EntityID}
	c.mu.Unlock()

	// 懒创建 authority 并取当前快照；join 本身不写 presence，
	// presence 由客户端单独的 presence_update 发起
	content, version, err := c.authority.Snapshot(ctx, msg.EntityType, msg.EntityID)
	if err != nil {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "INTERNAL_ERROR", Message: "load entity failed"})
		return
	}

	members, err := c.tracker.Snapshot(ctx, msg.EntityType, msg.EntityID)
	if err != nil {
		// presence 非关键，取不到就发空列表
		log.Printf("presence snapshot failed entity=%s: %v", key, err)
		members = nil
	}

	c.SendMessage_Enqueue(JoinAckMessage{
		Type:       "join_ack",
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Content:    content,
		Version:    version,
		Members:    members,
	})
}

func (c *Conn) handleLeave(ctx context.Context, msg ClientMessage) {
	if msg.EntityType == "" || msg.EntityID == "" {
		return
	}
	c.leaveRoom(ctx, msg.EntityType, msg.EntityID)
}

func (c *Conn) leaveRoom(ctx context.Context, entityType, entityID string) {
	key := collab.EntityKey(entityType, entityID)

	c.mu.Lock()
	delete(c.joined, key)
	c.mu.Unlock()

	c.hub.Leave(key, c)
	if err := c.tracker.Remove(ctx, c.userID, entityType, entityID); err != nil {
		log.Printf("presence remove failed entity=%s user=%d: %v", key, c.userID, err)
	}

	if c.hub.RoomSize(key) == 0 {
		c.scheduleRelease(entityType, entityID)
	}
}

// releaseGrace 房间清空到释放 authority 之间的宽限期。
// RoomSize 检查与并发 Join 并非原子，立即释放会把刚拿到快照的
// 加入者脚下的版本计数抽走；宽限期让重新加入者先被看见。
var releaseGrace = 10 * time.Second

func (c *Conn) scheduleRelease(entityType, entityID string) {
	key := collab.EntityKey(entityType, entityID)
	time.AfterFunc(releaseGrace, func() {
		// 宽限期内有人加入就保留内存状态
		if c.hub.RoomSize(key) > 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.authority.Release(ctx, entityType, entityID); err != nil {
			log.Printf("authority release failed entity=%s: %v", key, err)
		}
	})
}

// inRoom 提交与 presence 都以已加入房间为前提，连接的合法状态机是
// 认证 → (加入 → 操作/presence → 离开)* → 关闭。
func (c *Conn) inRoom(entityType, entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[collab.EntityKey(entityType, entityID)]
	return ok
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage) {
	if msg.Operation == nil {
		c.SendMessage_Enqueue(OperationErrorMessage{Type: "operation_error", ErrorCode: "INVALID_OPERATION"})
		return
	}
	op := *msg.Operation
	// 作者身份以连接为准，不信客户端填的
	op.AuthorID = c.userID

	// 边界校验：非法操作到不了 Authority
	if err := op.Validate(); err != nil {
		c.SendMessage_Enqueue(OperationErrorMessage{Type: "operation_error", OperationID: op.ID, ErrorCode: "INVALID_OPERATION"})
		return
	}
	if msg.EntityType == "" || msg.EntityID == "" {
		c.SendMessage_Enqueue(OperationErrorMessage{Type: "operation_error", OperationID: op.ID, ErrorCode: "INVALID_OPERATION"})
		return
	}
	if !c.inRoom(msg.EntityType, msg.EntityID) {
		c.SendMessage_Enqueue(OperationErrorMessage{Type: "operation_error", OperationID: op.ID, ErrorCode: "NOT_JOINED"})
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(submitCtx); err != nil {
			c.SendMessage_Enqueue(OperationErrorMessage{Type: "operation_error", OperationID: op.ID, ErrorCode: "INTERNAL_ERROR"})
			return
		}
		defer c.sem.Release()
	}

	// 广播在 Authority 的实体串行化点内发出（回调对重复提交不触发），
	// 接收端入队的顺序即应用顺序，v2 不会先于 v1 到达。
	applied, _, err := c.authority.Submit(submitCtx, msg.EntityType, msg.EntityID, msg.ClientVersion, op,
		func(applied collab.AppliedOp) {
			c.hub.BroadcastOperation(msg.EntityType, msg.EntityID, applied, c)
		})
	if err != nil {
		// 提交错误只回给提交方，绝不广播
		c.SendMessage_Enqueue(OperationErrorMessage{Type: "operation_error", OperationID: op.ID, ErrorCode: errorCode(err)})
		return
	}

	// 重传的重复操作只补 ack，不再二次广播
	c.SendMessage_Enqueue(OperationAckMessage{Type: "operation_ack", OperationID: op.ID, Version: applied.Version})
}

func (c *Conn) handlePresence(ctx context.Context, msg ClientMessage) {
	if msg.EntityType == "" || msg.EntityID == "" {
		return
	}
	if !c.inRoom(msg.EntityType, msg.EntityID) {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "NOT_JOINED"})
		return
	}
	// tracker 负责覆盖写与广播；失败静默丢弃，下个周期更新自然补上
	if _, err := c.tracker.Upsert(ctx, c.userID, msg.EntityType, msg.EntityID, msg.Status, msg.Cursor); err != nil {
		log.Printf("presence upsert failed entity=%s user=%d: %v",
			collab.EntityKey(msg.EntityType, msg.EntityID), c.userID, err)
	}
}

func (c *Conn) handleOpsSince(ctx context.Context, msg ClientMessage) {
	if msg.EntityType == "" || msg.EntityID == "" {
		return
	}
	if !c.inRoom(msg.EntityType, msg.EntityID) {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "NOT_JOINED"})
		return
	}
	ops, err := c.authority.OpsSince(ctx, msg.EntityType, msg.EntityID, msg.FromVersion, msg.Limit)
	if err != nil {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "INTERNAL_ERROR"})
		return
	}
	version, _ := c.authority.CurrentVersion(ctx, msg.EntityType, msg.EntityID)
	c.SendMessage_Enqueue(OpsSinceResultMessage{
		Type:       "ops_since_result",
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Ops:        ops,
		Version:    version,
	})
}

// cleanup 断连（无论是否优雅）时对每个已加入房间做 leave 清理。
// 已被 Authority 接受的操作不受影响，照常广播给剩余成员。
// 连接自身的 ctx 此时多半已取消，清理用独立的超时上下文。
func (c *Conn) cleanup(context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	rooms := make([][2]string, 0, len(c.joined))
	for _, v := range c.joined {
		rooms = append(rooms, v)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		c.leaveRoom(ctx, r[0], r[1])
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ot.ErrInvalidOperation):
		return "INVALID_OPERATION"
	case errors.Is(err, collab.ErrVersionMismatch):
		return "VERSION_MISMATCH"
	default:
		return "INTERNAL_ERROR"
	}
}
