package repository

import "sync"

// campaignLocks 进程内按活动加锁，配合数据库行锁串行化同一活动的资金操作
type campaignLocks struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newCampaignLocks() *campaignLocks {
	return &campaignLocks{locks: make(map[int64]*lockEntry)}
}

// lock 获取活动锁，返回释放函数
func (c *campaignLocks) lock(campaignId int64) func() {
	c.mu.Lock()
	entry, ok := c.locks[campaignId]
	if !ok {
		entry = &lockEntry{}
		c.locks[campaignId] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, campaignId)
		}
		c.mu.Unlock()
	}
}
