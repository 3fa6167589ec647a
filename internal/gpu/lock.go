package gpu

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	leaseKey      = "charforge:gpu:lease"
	leaseTTL      = 30 * time.Second
	leaseRefresh  = 10 * time.Second
	leaseWaitStep = 500 * time.Millisecond
	opTimeout     = 5 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock serializes GPU-bound work. Every in-process user shares one slot;
// with a Redis client attached the holder also takes a cross-process lease
// that is refreshed until release.
type Lock struct {
	sem    chan struct{}
	client *redis.Client
}

// NewLock builds a GPU lock. A nil client keeps coordination in-process.
func NewLock(client *redis.Client) *Lock {
	return &Lock{
		sem:    make(chan struct{}, 1),
		client: client,
	}
}

// Acquire takes the GPU. It blocks until the slot (and, when configured, the
// cross-process lease) is held or ctx ends. The returned release function is
// safe to call more than once.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if l.client == nil {
		var once sync.Once
		return func() {
			once.Do(func() { <-l.sem })
		}, nil
	}

	holder := uuid.NewString()
	if err := l.lease(ctx, holder); err != nil {
		<-l.sem
		return nil, err
	}

	stop := make(chan struct{})
	go l.refresh(holder, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			l.unlease(holder)
			<-l.sem
		})
	}, nil
}

func (l *Lock) lease(ctx context.Context, holder string) error {
	for {
		ok, err := l.client.SetNX(ctx, leaseKey, holder, leaseTTL).Result()
		if err != nil {
			return fmt.Errorf("gpu lease: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaseWaitStep):
		}
	}
}

func (l *Lock) refresh(holder string, stop <-chan struct{}) {
	ticker := time.NewTicker(leaseRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			err := refreshScript.Run(ctx, l.client, []string{leaseKey}, holder, leaseTTL.Milliseconds()).Err()
			cancel()
			if err != nil && err != redis.Nil {
				log.Printf("[GPU] lease refresh failed: %v", err)
			}
		}
	}
}

func (l *Lock) unlease(holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{leaseKey}, holder).Err(); err != nil && err != redis.Nil {
		log.Printf("[GPU] lease release failed: %v", err)
	}
}
