package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"syncServer/backend/internal/ot"
)

// fakeContentStore 内存版外部存储，记录 Flush 调用
type fakeContentStore struct {
	mu       sync.Mutex
	contents map[string]string
	versions map[string]uint64
	flushes  int
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{contents: make(map[string]string), versions: make(map[string]uint64)}
}

func (s *fakeContentStore) Load(ctx context.Context, entityType, entityID string) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := EntityKey(entityType, entityID)
	return s.contents[key], s.versions[key], nil
}

func (s *fakeContentStore) Flush(ctx context.Context, entityType, entityID, content string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := EntityKey(entityType, entityID)
	s.contents[key] = content
	s.versions[key] = version
	s.flushes++
	return nil
}

func newTestAuthority(store ContentStore) *InMemoryAuthority {
	// Kafka / 操作日志不参与本组测试
	return NewInMemoryAuthority(store, nil, nil, nil)
}

func insertOp(id string, pos int, text string, author uint64, ts int64) ot.Operation {
	return ot.Operation{ID: id, Kind: ot.KindInsert, Position: pos, Content: text, AuthorID: author, ClientTimestamp: ts}
}

func deleteOp(id string, pos, length int, author uint64) ot.Operation {
	return ot.Operation{ID: id, Kind: ot.KindDelete, Position: pos, Length: length, AuthorID: author}
}

func TestAuthority_MonotonicVersion(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthority(newFakeContentStore())

	for i := 0; i < 5; i++ {
		op := insertOp(string(rune('a'+i)), i, "x", 1, int64(i))
		applied, dup, err := auth.Submit(ctx, "task", "42", uint64(i), op, nil)
		if err != nil || dup {
			t.Fatalf("Submit #%d: dup=%v err=%v", i, dup, err)
		}
		if applied.Version != uint64(i+1) {
			t.Fatalf("version after op %d = %d, want %d", i, applied.Version, i+1)
		}
	}

	v, err := auth.CurrentVersion(ctx, "task", "42")
	if err != nil || v != 5 {
		t.Fatalf("CurrentVersion() = %d, %v, want 5", v, err)
	}
	ops, err := auth.OpsSince(ctx, "task", "42", 0, 0)
	if err != nil || len(ops) != 5 {
		t.Fatalf("OpsSince() = %d ops, %v, want 5", len(ops), err)
	}
}

func TestAuthority_IdempotentResubmission(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthority(newFakeContentStore())

	op := insertOp("op-1", 0, "hello", 1, 1)
	first, dup, err := auth.Submit(ctx, "task", "1", 0, op, nil)
	if err != nil || dup {
		t.Fatalf("first submit: dup=%v err=%v", dup, err)
	}

	// 客户端丢了 ack 后重传同一操作
	second, dup, err := auth.Submit(ctx, "task", "1", 0, op, nil)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !dup {
		t.Fatalf("resubmit not flagged as duplicate")
	}
	if second.Version != first.Version {
		t.Fatalf("resubmit version = %d, want cached %d", second.Version, first.Version)
	}

	content, version, err := auth.Snapshot(ctx, "task", "1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if content != "hello" || version != 1 {
		t.Fatalf("state after resubmit = %q v%d, want %q v1", content, version, "hello")
	}
}

func TestAuthority_VersionAheadRejected(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthority(newFakeContentStore())

	_, _, err := auth.Submit(ctx, "task", "1", 3, insertOp("op-1", 0, "x", 1, 1), nil)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Submit(clientVersion ahead) = %v, want ErrVersionMismatch", err)
	}
	if v, _ := auth.CurrentVersion(ctx, "task", "1"); v != 0 {
		t.Fatalf("rejected op advanced version to %d", v)
	}
}

// 落后一个版本的插入经历史变换后应用
func TestAuthority_TransformsAgainstHistory(t *testing.T) {
	ctx := context.Background()
	store := newFakeContentStore()
	store.contents["task:9"] = "Hello"
	auth := newTestAuthority(store)

	// A 基于版本 0 在末尾插 "!"
	appliedA, _, err := auth.Submit(ctx, "task", "9", 0, insertOp("a", 5, "!", 1, 10), nil)
	if err != nil || appliedA.Version != 1 {
		t.Fatalf("A: version=%d err=%v", appliedA.Version, err)
	}

	// B 同样基于版本 0 在开头插 "Hi "，到达时服务端已是版本 1
	appliedB, _, err := auth.Submit(ctx, "task", "9", 0, insertOp("b", 0, "Hi ", 2, 20), nil)
	if err != nil || appliedB.Version != 2 {
		t.Fatalf("B: version=%d err=%v", appliedB.Version, err)
	}
	if appliedB.Operation.Position != 0 {
		t.Fatalf("B transformed position = %d, want 0", appliedB.Operation.Position)
	}

	content, version, _ := auth.Snapshot(ctx, "task", "9")
	if content != "Hi Hello!" || version != 2 {
		t.Fatalf("final = %q v%d, want %q v2", content, version, "Hi Hello!")
	}
}

// 完全被覆盖的删除退化为 no-op，但仍推进版本
func TestAuthority_OverlappingDeleteBecomesNoop(t *testing.T) {
	ctx := context.Background()
	store := newFakeContentStore()
	store.contents["task:8"] = "abcdef"
	auth := newTestAuthority(store)

	if _, _, err := auth.Submit(ctx, "task", "8", 0, deleteOp("a", 1, 3, 1), nil); err != nil {
		t.Fatalf("A: %v", err)
	}
	appliedB, _, err := auth.Submit(ctx, "task", "8", 0, deleteOp("b", 2, 2, 2), nil)
	if err != nil {
		t.Fatalf("B: %v", err)
	}
	if appliedB.Operation.Length != 0 {
		t.Fatalf("B length = %d, want 0", appliedB.Operation.Length)
	}

	content, version, _ := auth.Snapshot(ctx, "task", "8")
	if content != "aef" || version != 2 {
		t.Fatalf("final = %q v%d, want %q v2", content, version, "aef")
	}
}

func TestAuthority_FormatAdvancesVersionWithoutContentChange(t *testing.T) {
	ctx := context.Background()
	store := newFakeContentStore()
	store.contents["comment:3"] = "plain"
	auth := newTestAuthority(store)

	format := ot.Operation{ID: "f", Kind: ot.KindFormat, Position: 0, Length: 5, Attributes: map[string]any{"bold": true}, AuthorID: 1}
	applied, _, err := auth.Submit(ctx, "comment", "3", 0, format, nil)
	if err != nil || applied.Version != 1 {
		t.Fatalf("format: version=%d err=%v", applied.Version, err)
	}
	content, _, _ := auth.Snapshot(ctx, "comment", "3")
	if content != "plain" {
		t.Fatalf("format changed content: %q", content)
	}
}

func TestAuthority_IndependentEntities(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthority(newFakeContentStore())

	var wg sync.WaitGroup
	for e := 0; e < 4; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			id := string(rune('A' + e))
			for i := 0; i < 20; i++ {
				op := insertOp(id+"-"+string(rune('a'+i)), 0, "x", uint64(e), int64(i))
				if _, _, err := auth.Submit(ctx, "task", id, uint64(i), op, nil); err != nil {
					t.Errorf("entity %s op %d: %v", id, i, err)
					return
				}
			}
		}(e)
	}
	wg.Wait()

	for e := 0; e < 4; e++ {
		id := string(rune('A' + e))
		if v, _ := auth.CurrentVersion(ctx, "task", id); v != 20 {
			t.Fatalf("entity %s version = %d, want 20", id, v)
		}
	}
}

// onApplied 在串行化点内触发：并发提交下回调收到的版本序列严格递增，
// 扇出顺序等于应用顺序
func TestAuthority_NotifyOrderIsApplyOrder(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthority(newFakeContentStore())

	var notifyMu sync.Mutex
	var versions []uint64
	onApplied := func(applied AppliedOp) {
		notifyMu.Lock()
		versions = append(versions, applied.Version)
		notifyMu.Unlock()
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				op := insertOp(fmt.Sprintf("%d-%d", g, i), 0, "x", uint64(g), int64(i))
				if _, _, err := auth.Submit(ctx, "task", "1", 0, op, onApplied); err != nil {
					t.Errorf("submit %d-%d: %v", g, i, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if len(versions) != 40 {
		t.Fatalf("callback fired %d times, want 40", len(versions))
	}
	for i, v := range versions {
		if v != uint64(i+1) {
			t.Fatalf("notify order broken at index %d: got v%d, want v%d", i, v, i+1)
		}
	}
}

func TestAuthority_DuplicateDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthority(newFakeContentStore())

	calls := 0
	onApplied := func(AppliedOp) { calls++ }
	op := insertOp("op-1", 0, "x", 1, 1)
	if _, _, err := auth.Submit(ctx, "task", "1", 0, op, onApplied); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, dup, err := auth.Submit(ctx, "task", "1", 0, op, onApplied); err != nil || !dup {
		t.Fatalf("resubmit: dup=%v err=%v", dup, err)
	}
	if calls != 1 {
		t.Fatalf("callback fired %d times, want 1 (duplicate must not fan out)", calls)
	}
}

func TestAuthority_ReleaseFlushesAndReseeds(t *testing.T) {
	ctx := context.Background()
	store := newFakeContentStore()
	flusher := NewFlusher(store, FlusherOptions{QueueSize: 16, Workers: 1, MaxRetry: 1, BaseBackoff: 0, MaxBackoff: 0})
	auth := NewInMemoryAuthority(store, nil, nil, flusher)

	if _, _, err := auth.Submit(ctx, "task", "7", 0, insertOp("a", 0, "draft", 1, 1), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := auth.Release(ctx, "task", "7"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// 释放后重新加入：内容来自存储，版本重新从 0 计
	content, version, err := auth.Snapshot(ctx, "task", "7")
	if err != nil {
		t.Fatalf("snapshot after release: %v", err)
	}
	if content != "draft" || version != 0 {
		t.Fatalf("reseeded = %q v%d, want %q v0", content, version, "draft")
	}
}
