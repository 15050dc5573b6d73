package ws

import (
	"testing"
	"time"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot"
	"syncServer/backend/internal/presence"
)

func bareConn() *Conn {
	return &Conn{send: make(chan OutboundMessage, 32), joined: make(map[string][2]string)}
}

func TestHub_JoinLeaveRoomSize(t *testing.T) {
	hub := NewHub()
	a, b := bareConn(), bareConn()

	hub.Join("task:1", a)
	hub.Join("task:1", b)
	if got := hub.RoomSize("task:1"); got != 2 {
		t.Fatalf("RoomSize = %d, want 2", got)
	}

	hub.Leave("task:1", a)
	if got := hub.RoomSize("task:1"); got != 1 {
		t.Fatalf("RoomSize after leave = %d, want 1", got)
	}

	hub.Leave("task:1", b)
	if got := hub.RoomSize("task:1"); got != 0 {
		t.Fatalf("RoomSize after last leave = %d, want 0", got)
	}
	// 空房间的表项要被回收
	hub.mu.RLock()
	_, exists := hub.rooms["task:1"]
	hub.mu.RUnlock()
	if exists {
		t.Fatalf("empty room left in table")
	}
}

func TestHub_BroadcastOperationSkipsSender(t *testing.T) {
	hub := NewHub()
	sender, peer, outsider := bareConn(), bareConn(), bareConn()
	hub.Join("task:1", sender)
	hub.Join("task:1", peer)
	hub.Join("task:2", outsider)

	applied := collab.AppliedOp{
		Operation: ot.Operation{ID: "op-1", Kind: ot.KindInsert, Content: "x"},
		Version:   7,
		AppliedAt: time.Now(),
	}
	hub.BroadcastOperation("task", "1", applied, sender)

	if len(drain(sender)) != 0 {
		t.Fatalf("sender received its own broadcast")
	}
	peerMsgs := drain(peer)
	if len(peerMsgs) != 1 {
		t.Fatalf("peer got %d messages, want 1", len(peerMsgs))
	}
	bc := peerMsgs[0].(OperationBroadcastMessage)
	if bc.Operation.ID != "op-1" || bc.Version != 7 || bc.EntityType != "task" || bc.EntityID != "1" {
		t.Fatalf("broadcast = %+v", bc)
	}
	if len(drain(outsider)) != 0 {
		t.Fatalf("broadcast crossed room boundary")
	}
}

func TestHub_BroadcastPresenceReachesEveryone(t *testing.T) {
	hub := NewHub()
	a, b := bareConn(), bareConn()
	hub.Join("task:1", a)
	hub.Join("task:1", b)

	entry := presence.Entry{UserID: 9, EntityType: "task", EntityID: "1", Status: presence.StatusEditing}
	hub.BroadcastPresence("task", "1", entry)

	for _, c := range []*Conn{a, b} {
		msgs := drain(c)
		if len(msgs) != 1 {
			t.Fatalf("conn got %d messages, want 1", len(msgs))
		}
		pb := msgs[0].(PresenceBroadcastMessage)
		if pb.UserID != 9 || pb.Status != presence.StatusEditing {
			t.Fatalf("presence broadcast = %+v", pb)
		}
	}
}

func TestHub_BroadcastPresenceRemoved(t *testing.T) {
	hub := NewHub()
	a := bareConn()
	hub.Join("task:1", a)

	hub.BroadcastPresenceRemoved("task", "1", 9)

	msgs := drain(a)
	if len(msgs) != 1 {
		t.Fatalf("conn got %d messages, want 1", len(msgs))
	}
	rm := msgs[0].(PresenceRemovedMessage)
	if rm.UserID != 9 || rm.EntityType != "task" || rm.EntityID != "1" {
		t.Fatalf("removed broadcast = %+v", rm)
	}
}

func TestConn_EnqueueDropsWhenFull(t *testing.T) {
	c := bareConn()
	for i := 0; i < cap(c.send)+8; i++ {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "X"})
	}
	if got := len(c.send); got != cap(c.send) {
		t.Fatalf("queue length = %d, want %d (overflow must be dropped, not block)", got, cap(c.send))
	}
}

// 连接关闭后的入队静默丢弃，不会向已关闭的通道写入
func TestConn_EnqueueAfterCloseIsDropped(t *testing.T) {
	c := bareConn()
	c.closeSend()
	c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "X"})
	if got := len(c.send); got != 0 {
		t.Fatalf("queue length after closed enqueue = %d, want 0", got)
	}
	// 二次关闭同样安全
	c.closeSend()
}

// 广播方可能在 Leave 之前就快照了成员列表：对一条已经关闭发送
// 通道的连接继续广播不允许让广播 goroutine 崩溃
func TestHub_BroadcastToClosedConnDoesNotPanic(t *testing.T) {
	hub := NewHub()
	gone, alive := bareConn(), bareConn()
	hub.Join("task:1", gone)
	hub.Join("task:1", alive)

	// gone 的读循环已经结束并关闭了发送通道，但还没来得及 Leave
	gone.closeSend()

	applied := collab.AppliedOp{
		Operation: ot.Operation{ID: "op-1", Kind: ot.KindInsert, Content: "x"},
		Version:   1,
		AppliedAt: time.Now(),
	}
	hub.BroadcastOperation("task", "1", applied, nil)

	if len(drain(alive)) != 1 {
		t.Fatalf("surviving member missed the broadcast")
	}
}
