package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"syncServer/backend/internal/ot"
)

// OpLogStore 已应用操作的持久化边界（幂等插入）。
type OpLogStore interface {
	SaveAppliedOp(ctx context.Context, entityType, entityID string, op AppliedOp) error
}

// AppliedOp 已经过变换并应用的操作，连同应用后的实体版本。
type AppliedOp struct {
	Operation ot.Operation `json:"operation"`
	Version   uint64       `json:"version"`
	AppliedAt time.Time    `json:"appliedAt"`
}

// Authority 协作引擎接口：每个实体一个串行化点。
type Authority interface {
	// Submit 提交操作。duplicate=true 表示同 ID 操作已应用过，
	// 返回的是缓存结果（幂等重传，调用方只 ack 不再广播）。
	// onApplied 在实体串行化点内、对每个新应用的操作恰好调用一次
	// （重复提交不触发）：调用方在回调里做扇出，接收端看到的顺序
	// 就是应用顺序。回调内不得再调用 Authority，也不得阻塞。
	Submit(ctx context.Context, entityType, entityID string, clientVersion uint64, op ot.Operation, onApplied func(AppliedOp)) (applied AppliedOp, duplicate bool, err error)

	CurrentVersion(ctx context.Context, entityType, entityID string) (uint64, error)

	// Snapshot 当前内容与版本；实体不在内存时从外部存储懒加载。
	Snapshot(ctx context.Context, entityType, entityID string) (string, uint64, error)

	// OpsSince 用于重连握手/追平
	OpsSince(ctx context.Context, entityType, entityID string, fromVersion uint64, limit int) ([]AppliedOp, error)

	// Release 房间清空时落盘并丢弃内存状态
	Release(ctx context.Context, entityType, entityID string) error
}

// entityState 单个实体的权威状态。mu 就是该实体的串行化点：
// 同一实体的两个操作绝不会交错执行 apply，不同实体完全并行。
type entityState struct {
	mu      sync.Mutex
	seeded  bool
	version uint64
	// 全量历史，不变式：version == len(applied)
	applied []AppliedOp
	// 按操作 ID 去重：客户端丢 ack 重传时返回缓存结果
	appliedByID map[string]AppliedOp
	buf         Buffer
}

// InMemoryAuthority 内存实现：持有所有活跃实体的状态。
type InMemoryAuthority struct {
	mu       sync.RWMutex
	entities map[string]*entityState

	store      ContentStore
	opLog      OpLogStore
	dispatcher *KafkaDispatcher
	flusher    *Flusher
}

func NewInMemoryAuthority(store ContentStore, opLog OpLogStore, dispatcher *KafkaDispatcher, flusher *Flusher) *InMemoryAuthority {
	return &InMemoryAuthority{
		entities:   make(map[string]*entityState),
		store:      store,
		opLog:      opLog,
		dispatcher: dispatcher,
		flusher:    flusher,
	}
}

func (a *InMemoryAuthority) getOrCreate(entityType, entityID string) *entityState {
	key := EntityKey(entityType, entityID)
	a.mu.RLock()
	st := a.entities[key]
	a.mu.RUnlock()
	if st != nil {
		return st
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st = a.entities[key]; st == nil {
		st = &entityState{appliedByID: make(map[string]AppliedOp)}
		a.entities[key] = st
	}
	return st
}

// ensureSeeded 首次访问时从外部存储种入内容。调用方必须持有 st.mu。
// 版本从 0 重新开始计数——版本是实体驻留期内的逻辑时钟，不跨重启。
func (a *InMemoryAuthority) ensureSeeded(ctx context.Context, st *entityState, entityType, entityID string) error {
	if st.seeded {
		return nil
	}
	content := ""
	if a.store != nil {
		c, _, err := a.store.Load(ctx, entityType, entityID)
		if err != nil {
			return fmt.Errorf("seed %s: %w", EntityKey(entityType, entityID), err)
		}
		content = c
	}
	st.buf = NewPieceTable(content)
	st.version = 0
	st.applied = nil
	st.seeded = true
	return nil
}

func (a *InMemoryAuthority) Submit(ctx context.Context, entityType, entityID string, clientVersion uint64, op ot.Operation, onApplied func(AppliedOp)) (AppliedOp, bool, error) {
	st := a.getOrCreate(entityType, entityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.ensureSeeded(ctx, st, entityType, entityID); err != nil {
		return AppliedOp{}, false, ErrInternal
	}

	// 幂等：同 ID 已应用过就返回缓存结果，不二次 apply
	if prev, ok := st.appliedByID[op.ID]; ok {
		return prev, true, nil
	}

	// 客户端超前于服务端，协议违规
	if clientVersion > st.version {
		return AppliedOp{}, false, ErrVersionMismatch
	}

	transformed, err := a.transformAndApply(st, clientVersion, op)
	if err != nil {
		// fail-closed：状态未动，操作丢弃
		log.Printf("submit failed entity=%s op=%s err=%v", EntityKey(entityType, entityID), op.ID, err)
		return AppliedOp{}, false, ErrInternal
	}

	st.version++
	applied := AppliedOp{Operation: transformed, Version: st.version, AppliedAt: time.Now()}
	st.applied = append(st.applied, applied)
	st.appliedByID[op.ID] = applied

	// 仍持有 st.mu：扇出顺序与应用顺序一致
	if onApplied != nil {
		onApplied(applied)
	}

	a.persist(entityType, entityID, st, applied)
	return applied, false, nil
}

// transformAndApply 先对落后于当前版本的操作逐个变换历史，再套用到缓冲区。
// 规则集封闭，变换理论上不会 panic，但仍然兜底：panic 转为错误，缓冲区不动。
func (a *InMemoryAuthority) transformAndApply(st *entityState, clientVersion uint64, op ot.Operation) (transformed ot.Operation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()

	transformed = op
	if clientVersion < st.version {
		// clientVersion 即客户端缺失历史的起始下标（version == len(applied)）
		for _, h := range st.applied[clientVersion:] {
			transformed = ot.Transform(transformed, h.Operation)
		}
	}

	switch transformed.Kind {
	case ot.KindInsert:
		// 被并发删除吞掉的插入退化为空内容
		if transformed.Content != "" {
			st.buf.Insert(transformed.Position, transformed.Content)
		}
	case ot.KindDelete:
		if transformed.Length > 0 {
			st.buf.Delete(transformed.Position, transformed.Length)
		}
	case ot.KindRetain, ot.KindFormat:
		// 不触碰内容，但仍进入历史、推进版本
	}
	return transformed, nil
}

// persist 应用成功后的旁路：Kafka 事件、操作日志、快照回写。
// 全部异步，不占用实体锁之外的提交延迟。
func (a *InMemoryAuthority) persist(entityType, entityID string, st *entityState, applied AppliedOp) {
	if a.dispatcher != nil {
		evt := OpAppliedEvent{
			EventType:  "OP_APPLIED",
			EntityType: entityType,
			EntityID:   entityID,
			Operation:  applied.Operation,
			Version:    applied.Version,
			AuthorID:   applied.Operation.AuthorID,
			AppliedAt:  applied.AppliedAt,
		}
		enqCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if err := a.dispatcher.Enqueue(enqCtx, evt); err != nil {
			log.Printf("kafka enqueue dropped entity=%s op=%s err=%v", EntityKey(entityType, entityID), applied.Operation.ID, err)
		}
		cancel()
	}

	if a.opLog != nil {
		go func(rec AppliedOp) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := a.opLog.SaveAppliedOp(ctx, entityType, entityID, rec); err != nil {
				log.Printf("op log write failed entity=%s op=%s err=%v", EntityKey(entityType, entityID), rec.Operation.ID, err)
			}
		}(applied)
	}

	if a.flusher != nil {
		a.flusher.Enqueue(entityType, entityID, st.buf.String(), st.version)
	}
}

func (a *InMemoryAuthority) CurrentVersion(ctx context.Context, entityType, entityID string) (uint64, error) {
	a.mu.RLock()
	st := a.entities[EntityKey(entityType, entityID)]
	a.mu.RUnlock()
	if st == nil {
		return 0, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.version, nil
}

func (a *InMemoryAuthority) Snapshot(ctx context.Context, entityType, entityID string) (string, uint64, error) {
	st := a.getOrCreate(entityType, entityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := a.ensureSeeded(ctx, st, entityType, entityID); err != nil {
		return "", 0, ErrInternal
	}
	return st.buf.String(), st.version, nil
}

func (a *InMemoryAuthority) OpsSince(ctx context.Context, entityType, entityID string, fromVersion uint64, limit int) ([]AppliedOp, error) {
	a.mu.RLock()
	st := a.entities[EntityKey(entityType, entityID)]
	a.mu.RUnlock()
	if st == nil {
		return nil, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []AppliedOp
	for _, op := range st.applied {
		if op.Version > fromVersion {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Release 落盘后丢弃实体状态。重新加入的代价是一次存储读。
func (a *InMemoryAuthority) Release(ctx context.Context, entityType, entityID string) error {
	key := EntityKey(entityType, entityID)
	a.mu.Lock()
	st := a.entities[key]
	delete(a.entities, key)
	a.mu.Unlock()
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.seeded || a.flusher == nil {
		return nil
	}
	return a.flusher.FlushSync(ctx, entityType, entityID, st.buf.String(), st.version)
}
