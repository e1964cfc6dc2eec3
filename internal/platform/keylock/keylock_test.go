package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "provider:1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxSeen)
	}
	if n := l.held(); n != 0 {
		t.Errorf("expected entries to be released, %d remain", n)
	}
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	u1, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer u1()
	u2, err := l.TryLock(context.Background(), "b")
	if err != nil {
		t.Fatalf("expected b to be free, got %v", err)
	}
	u2()
}

func TestLocal_TryLockHeld(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "k")
	if _, err := l.TryLock(context.Background(), "k"); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired, got %v", err)
	}
	unlock()
	unlock()
	u, err := l.TryLock(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	u()
}

func TestLocal_LockHonoursContext(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "k")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestNewRedis_Defaults(t *testing.T) {
	r := NewRedis(nil, RedisConfig{}, zerolog.Nop())
	def := DefaultRedisConfig()
	if r.cfg != def {
		t.Errorf("expected defaults %+v, got %+v", def, r.cfg)
	}
}
