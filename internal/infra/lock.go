package infra

import (
	"context"
	"fmt"
	"sync"
)

// KeyedLock はキーごとの排他制御をプロセス内で提供する。
// 同じキーに対するAcquireは直列化され、異なるキー同士は互いに待たない。
type KeyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch      chan struct{}
	waiters int
}

// NewKeyedLock は新しいKeyedLockを生成する。
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{slots: make(map[string]*lockSlot)}
}

// Acquire はキーのロックを取得する。返された関数でロックを解放する。
// ctxがキャンセルされた場合は待機をやめてエラーを返す。
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}

	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.waiters++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.leave(key, slot)
		return nil, fmt.Errorf("acquire lock %q: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.leave(key, slot)
		})
	}, nil
}

func (l *KeyedLock) leave(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.waiters--
	if slot.waiters == 0 {
		delete(l.slots, key)
	}
}
