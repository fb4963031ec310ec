package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var tNil *Throttle
	err := tNil.Acquire(ctx)
	if err != nil {
		t.Errorf("acquire failed: %v", err)
	}
	err = tNil.Release(ctx)
	if err != nil {
		t.Errorf("release failed: %v", err)
	}
	a, err := tNil.TryAcquire(ctx)
	if err != nil {
		t.Errorf("try acquire failed: %v", err)
	}
	if !a {
		t.Errorf("try acquire did not succeed")
	}
	if New(0) != nil {
		t.Errorf("new with a zero count did not return nil")
	}
}

func TestSingleThrottle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	t1 := New(1)
	// simple acquire
	err := t1.Acquire(ctx)
	if err != nil {
		t.Errorf("failed to acquire: %v", err)
		return
	}
	// try to acquire in a goroutine
	acquired := false
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := t1.Acquire(ctx)
		if err != nil {
			t.Errorf("failed to acquire: %v", err)
			return
		}
		acquired = true
	}()
	sleepMS(1)
	// verify goroutine did not succeed and cannot be acquired
	if acquired {
		t.Errorf("throttle acquired before previous released")
	}
	a, err := t1.TryAcquire(ctx)
	if err != nil {
		t.Errorf("try acquire errored: %v", err)
	}
	if a {
		t.Errorf("try acquire succeeded")
	}
	// release and verify goroutine acquires and returns
	err = t1.Release(ctx)
	if err != nil {
		t.Errorf("release failed: %v", err)
	}
	wg.Wait()
	if !acquired {
		t.Errorf("throttle was not acquired by thread")
	}
	// start a new goroutine to acquire
	acquired = false
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := t1.Acquire(ctx)
		if err == nil {
			acquired = true
			return
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("acquire on cancel returned: %v", err)
			return
		}
	}()
	sleepMS(1)
	// verify goroutine still waiting, cancel context, and verify the return
	if acquired {
		t.Errorf("throttle acquired before previous released")
	}
	cancel()
	wg.Wait()
	if acquired {
		t.Errorf("acquire succeeded on canceled context")
	}
	ctx = context.Background()
	a, err = t1.TryAcquire(ctx)
	if err != nil {
		t.Errorf("try acquire errored: %v", err)
	}
	if a {
		t.Errorf("try acquire succeeded")
	}
	// release, twice, and verify try acquire can succeed
	err = t1.Release(ctx)
	if err != nil {
		t.Errorf("release failed: %v", err)
	}
	err = t1.Release(context.Background())
	if err == nil {
		t.Errorf("second release succeeded")
	}
	a, err = t1.TryAcquire(context.Background())
	if err != nil {
		t.Errorf("try acquire errored: %v", err)
	}
	if !a {
		t.Errorf("try acquire failed")
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()
	t3 := New(3)
	wg := sync.WaitGroup{}
	ctx := context.Background()

	// acquire all three with an intermediate release
	err := t3.Acquire(ctx)
	if err != nil {
		t.Errorf("failed to acquire: %v", err)
	}
	err = t3.Acquire(ctx)
	if err != nil {
		t.Errorf("failed to acquire: %v", err)
	}
	err = t3.Release(ctx)
	if err != nil {
		t.Errorf("failed to release: %v", err)
	}
	err = t3.Acquire(ctx)
	if err != nil {
		t.Errorf("failed to acquire: %v", err)
	}
	err = t3.Acquire(ctx)
	if err != nil {
		t.Errorf("failed to acquire: %v", err)
	}
	// verify try acquire fails on the 4th
	a, err := t3.TryAcquire(ctx)
	if err != nil {
		t.Errorf("failed to try acquire: %v", err)
	}
	if a {
		t.Errorf("try acquire succeeded on full throttle")
	}
	// launch acquire requests in background
	wg.Add(1)
	a = false
	go func() {
		defer wg.Done()
		err := t3.Acquire(ctx)
		if err != nil {
			t.Errorf("failed to acquire: %v", err)
		}
		a = true
		err = t3.Acquire(ctx)
		if err != nil {
			t.Errorf("failed to acquire: %v", err)
		}
	}()
	sleepMS(1)
	if a {
		t.Errorf("acquire ran in background")
	}
	// release two
	err = t3.Release(ctx)
	if err != nil {
		t.Errorf("failed to release: %v", err)
	}
	err = t3.Release(ctx)
	if err != nil {
		t.Errorf("failed to release: %v", err)
	}
	// wait for background job to finish and verify acquired
	wg.Wait()
	if !a {
		t.Errorf("acquire did not run in background")
	}
}

func sleepMS(ms int64) {
	time.Sleep(time.Millisecond * time.Duration(ms))
}
