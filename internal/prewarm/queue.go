package prewarm

import (
	"container/heap"
	"time"

	"github.com/mirror-hub/mirror-hub/internal/cache"
)

// 预热优先级，数值越大越先出队。
const (
	PriorityLow      = 10
	PriorityMedium   = 20
	PriorityHigh     = 30
	PriorityCritical = 40
)

// Item 是一次预热请求从入队到出历史的完整记录。
type Item struct {
	ID          string        `json:"id"`
	Locator     cache.Locator `json:"locator"`
	Priority    int           `json:"priority"`
	Status      string        `json:"status"`
	Attempts    int           `json:"attempts"`
	AddedAt     time.Time     `json:"added_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Size        int64         `json:"size,omitempty"`
	Error       string        `json:"error,omitempty"`

	seq   uint64
	index int
}

// Item 状态。
const (
	StatusQueued   = "queued"
	StatusFetching = "fetching"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// itemHeap 按 (优先级降序, 入队序号升序) 排序。
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue 是带待处理去重的优先级队列，调用方负责加锁。
type queue struct {
	heap    itemHeap
	pending map[string]*Item
	seq     uint64
}

func newQueue() *queue {
	return &queue{pending: make(map[string]*Item)}
}

// push 入队，同一 Locator 已在待处理集合时拒绝并返回 false。
func (q *queue) push(it *Item) bool {
	key := it.Locator.Key()
	if _, dup := q.pending[key]; dup {
		return false
	}
	q.seq++
	it.seq = q.seq
	q.pending[key] = it
	heap.Push(&q.heap, it)
	return true
}

// pop 弹出最高优先级条目，队列空时返回 nil。
// 弹出的条目仍留在待处理集合里, 直到 settle 宣告终态。
func (q *queue) pop() *Item {
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Item)
}

// settle 将条目移出待处理集合，此后同一 Locator 可再次入队。
func (q *queue) settle(it *Item) {
	delete(q.pending, it.Locator.Key())
}

// clear 清空队列，返回被丢弃的待取条目。
func (q *queue) clear() []*Item {
	dropped := make([]*Item, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*Item)
		delete(q.pending, it.Locator.Key())
		dropped = append(dropped, it)
	}
	return dropped
}

func (q *queue) depth() int { return q.heap.Len() }
