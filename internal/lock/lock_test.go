package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Lock(context.Background(), "t1/finance")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if n := k.size(); n != 0 {
		t.Errorf("entries left after release = %d, want 0", n)
	}
}

func TestKeyed_DifferentKeysIndependent(t *testing.T) {
	k := NewKeyed()
	r1, err := k.Lock(context.Background(), "t1/finance")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r2, err := k.Lock(ctx, "t1/sales")
	if err != nil {
		t.Fatalf("Lock on a different key blocked: %v", err)
	}
	r2()
}

func TestKeyed_ContextCancelled(t *testing.T) {
	k := NewKeyed()
	release, err := k.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	release()
	release() // second call is a no-op
	if n := k.size(); n != 0 {
		t.Errorf("entries left = %d, want 0", n)
	}
}

func TestRedis_MutualExclusion(t *testing.T) {
	addr := os.Getenv("ASSISTD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ASSISTD_TEST_REDIS_ADDR not set, skipping redis test")
	}
	r, err := NewRedis(context.Background(), addr)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	key := "test-" + time.Now().Format(time.RFC3339Nano)
	r.SetTTL(3 * time.Minute)
	release, err := r.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if ttl := r.rdb.PTTL(context.Background(), keyPrefix+key).Val(); ttl <= 2*time.Minute {
		t.Errorf("lock ttl = %v, want about 3m", ttl)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := r.Lock(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Lock = %v, want DeadlineExceeded", err)
	}

	release()
	release2, err := r.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	release2()
}

func TestRedis_SetTTL(t *testing.T) {
	r := NewRedisWithClient(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}))
	defer r.Close()

	if r.ttl != defaultTTL {
		t.Fatalf("ttl = %v, want %v", r.ttl, defaultTTL)
	}
	r.SetTTL(0)
	if r.ttl != defaultTTL {
		t.Errorf("SetTTL(0) changed ttl to %v", r.ttl)
	}
	r.SetTTL(10 * time.Minute)
	if r.ttl != 10*time.Minute {
		t.Errorf("ttl = %v, want 10m", r.ttl)
	}
}

func TestNewRedis_EmptyAddr(t *testing.T) {
	if _, err := NewRedis(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}
