package collab

import (
	"context"
	"log"
	"time"
)

// ContentStore 外部内容存储边界：首次加入时取快照，应用后回写。
type ContentStore interface {
	Load(ctx context.Context, entityType, entityID string) (content string, version uint64, err error)
	Flush(ctx context.Context, entityType, entityID, content string, version uint64) error
}

type flushJob struct {
	entityType string
	entityID   string
	content    string
	version    uint64
}

// Flusher 异步快照回写：有界队列 + worker + 有限重试。
// 磁盘/DB 慢不会阻塞在线编辑，内存中的内容始终是权威的，
// 持久化允许落后、靠重试追平（at-least-once）。
type Flusher struct {
	store ContentStore
	queue chan flushJob

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type FlusherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewFlusher(store ContentStore, opt FlusherOptions) *Flusher {
	f := &Flusher{
		store:       store,
		queue:       make(chan flushJob, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for i := 0; i < f.workers; i++ {
		go f.workerLoop()
	}
	return f
}

// Enqueue 非阻塞入队。队列满时挤掉最老的一条再放入——
// 同一实体只有最新快照有意义，旧快照丢了没关系。
func (f *Flusher) Enqueue(entityType, entityID, content string, version uint64) {
	job := flushJob{entityType: entityType, entityID: entityID, content: content, version: version}
	select {
	case f.queue <- job:
		return
	default:
	}
	select {
	case old := <-f.queue:
		// 被挤掉的可能是别的实体的最新快照，必须留痕
		log.Printf("flush queue full, evict snapshot entity=%s version=%d",
			EntityKey(old.entityType, old.entityID), old.version)
	default:
	}
	select {
	case f.queue <- job:
	default:
		log.Printf("flush queue full, drop snapshot entity=%s version=%d", EntityKey(entityType, entityID), version)
	}
}

// FlushSync 同步回写，用于房间清空释放 authority 前的落盘。
func (f *Flusher) FlushSync(ctx context.Context, entityType, entityID, content string, version uint64) error {
	return f.store.Flush(ctx, entityType, entityID, content, version)
}

func (f *Flusher) workerLoop() {
	for job := range f.queue {
		f.flushWithRetry(job)
	}
}

func (f *Flusher) flushWithRetry(job flushJob) {
	for attempt := 0; attempt <= f.maxRetry; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := f.store.Flush(ctx, job.entityType, job.entityID, job.content, job.version)
		cancel()
		if err == nil {
			return
		}

		if attempt == f.maxRetry {
			log.Printf("content flush failed, give up entity=%s version=%d err=%v",
				EntityKey(job.entityType, job.entityID), job.version, err)
			return
		}

		backoff := f.baseBackoff * time.Duration(1<<attempt)
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
		time.Sleep(backoff)
	}
}
