package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	worker "github.com/okian/tally/internal/adapters/mq/worker"
	"github.com/okian/tally/internal/domain/model"
	logging "github.com/okian/tally/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logging.Init()
}

func TestPoolSerializesPerKey(t *testing.T) {
	convey.Convey("Given a started pool with several shards", t, func() {
		ctx := context.Background()
		pool := worker.NewPool(worker.WithShards(4), worker.WithQueueSize(256))
		pool.Start(ctx)
		defer func() { _ = pool.Shutdown(ctx) }()

		convey.Convey("Jobs for one key never overlap and keep arrival order", func() {
			var running int32
			var overlap int32
			var mu sync.Mutex
			var order []int

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				i := i
				wg.Add(1)
				err := pool.Go(ctx, "s1|t1|execution", func(context.Context) error {
					defer wg.Done()
					if atomic.AddInt32(&running, 1) > 1 {
						atomic.StoreInt32(&overlap, 1)
					}
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					atomic.AddInt32(&running, -1)
					return nil
				})
				convey.So(err, convey.ShouldBeNil)
			}
			wg.Wait()

			convey.So(atomic.LoadInt32(&overlap), convey.ShouldEqual, 0)
			for i, v := range order {
				convey.So(v, convey.ShouldEqual, i)
			}
		})

		convey.Convey("The same key always maps to the same shard", func() {
			convey.So(pool.ShardFor("s1|t1|execution"), convey.ShouldEqual, pool.ShardFor("s1|t1|execution"))
			convey.So(pool.Shards(), convey.ShouldEqual, 4)
		})

		convey.Convey("Do returns the job's error", func() {
			want := errors.New("boom")
			err := pool.Do(ctx, "k", func(context.Context) error { return want })
			convey.So(err, convey.ShouldEqual, want)
		})

		convey.Convey("Do from inside a job on the same shard runs inline", func() {
			var inner bool
			err := pool.Do(ctx, "k", func(jobCtx context.Context) error {
				return pool.Do(jobCtx, "k", func(context.Context) error {
					inner = true
					return nil
				})
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(inner, convey.ShouldBeTrue)
		})

		convey.Convey("A panicking job becomes an error", func() {
			err := pool.Do(ctx, "k", func(context.Context) error { panic("bad input") })
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(err.Error(), convey.ShouldContainSubstring, "panicked")
		})

		convey.Convey("Different keys run in parallel", func() {
			keys := make([]string, 0, 2)
			for i := 0; len(keys) < 2 && i < 1000; i++ {
				k := fmt.Sprintf("s1|t%d|c", i)
				if len(keys) == 0 || pool.ShardFor(k) != pool.ShardFor(keys[0]) {
					keys = append(keys, k)
				}
			}
			release := make(chan struct{})
			blocked := make(chan struct{})
			convey.So(pool.Go(ctx, keys[0], func(context.Context) error {
				close(blocked)
				<-release
				return nil
			}), convey.ShouldBeNil)
			<-blocked

			err := pool.Do(ctx, keys[1], func(context.Context) error { return nil })
			close(release)
			convey.So(err, convey.ShouldBeNil)
		})
	})
}

func TestPoolBackpressure(t *testing.T) {
	convey.Convey("Given a single shard with room for one queued job", t, func() {
		ctx := context.Background()
		pool := worker.NewPool(worker.WithShards(1), worker.WithQueueSize(1))
		pool.Start(ctx)

		release := make(chan struct{})
		started := make(chan struct{})
		convey.So(pool.Go(ctx, "a", func(context.Context) error {
			close(started)
			<-release
			return nil
		}), convey.ShouldBeNil)
		<-started
		convey.So(pool.Go(ctx, "b", func(context.Context) error { return nil }), convey.ShouldBeNil)

		convey.Reset(func() {
			close(release)
			_ = pool.Shutdown(ctx)
		})

		convey.Convey("Further work is refused with backpressure", func() {
			err := pool.Go(ctx, "c", func(context.Context) error { return nil })
			convey.So(errors.Is(err, model.ErrBackpressure), convey.ShouldBeTrue)
			convey.So(pool.Backlog(), convey.ShouldResemble, []int{1})
		})

		convey.Convey("Waiting callers are refused the same way", func() {
			waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			err := pool.Do(waitCtx, "d", func(context.Context) error { return nil })
			convey.So(errors.Is(err, model.ErrBackpressure), convey.ShouldBeTrue)
		})
	})
}

func TestPoolShutdown(t *testing.T) {
	convey.Convey("Given a pool with queued work", t, func() {
		ctx := context.Background()
		pool := worker.NewPool(worker.WithShards(2))
		pool.Start(ctx)

		var ran int32
		for i := 0; i < 10; i++ {
			convey.So(pool.Go(ctx, fmt.Sprint(i), func(context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			}), convey.ShouldBeNil)
		}

		convey.Convey("Shutdown drains it and then refuses new work", func() {
			convey.So(pool.Shutdown(ctx), convey.ShouldBeNil)
			convey.So(atomic.LoadInt32(&ran), convey.ShouldEqual, 10)

			err := pool.Do(ctx, "late", func(context.Context) error { return nil })
			convey.So(errors.Is(err, worker.ErrStopped), convey.ShouldBeTrue)
			convey.So(pool.Shutdown(ctx), convey.ShouldBeNil)
		})
	})
}
