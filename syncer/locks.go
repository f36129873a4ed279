package syncer

import (
	"hash/fnv"
	"sync"
)

// =============================================================================
// 🔒 按记录分条的咨询锁
// =============================================================================

// stripedLocks 以固定数量的互斥锁分摊按键串行化的开销
//
// 不同键可能落在同一条带上（偶发的额外串行化），同一键必然
// 落在同一条带上（保证互斥）。
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}
