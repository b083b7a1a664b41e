// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按分支维度管理互斥锁，
// 同一分支上的续写与回滚必须串行
type LockManager struct {
	forkLocks  map[string]*lockInfo
	globalLock sync.RWMutex
	lockTTL    time.Duration
}

type lockInfo struct {
	mutex    *sync.Mutex
	lastUsed time.Time
}

func NewLockManager() *LockManager {
	lm := &LockManager{
		forkLocks: make(map[string]*lockInfo),
		lockTTL:   10 * time.Minute,
	}
	go lm.cleanupLoop()
	return lm
}

// GetForkLock 获取分支锁，不存在时创建
func (lm *LockManager) GetForkLock(publicID string) *sync.Mutex {
	lm.globalLock.RLock()
	if info, exists := lm.forkLocks[publicID]; exists {
		lm.globalLock.RUnlock()
		info.lastUsed = time.Now()
		return info.mutex
	}
	lm.globalLock.RUnlock()

	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 双重检查
	if info, exists := lm.forkLocks[publicID]; exists {
		info.lastUsed = time.Now()
		return info.mutex
	}

	info := &lockInfo{
		mutex:    &sync.Mutex{},
		lastUsed: time.Now(),
	}
	lm.forkLocks[publicID] = info
	return info.mutex
}

// cleanupLoop 定期回收长时间未使用的锁
func (lm *LockManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		lm.globalLock.Lock()
		now := time.Now()
		for key, info := range lm.forkLocks {
			if now.Sub(info.lastUsed) > lm.lockTTL {
				delete(lm.forkLocks, key)
			}
		}
		lm.globalLock.Unlock()
	}
}
