package locktable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSharedLocksCoexist(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "t1", "k", ModeShared); err != nil {
		t.Fatalf("first shared acquire failed: %v", err)
	}
	if err := table.Acquire(ctx, "t2", "k", ModeShared); err != nil {
		t.Fatalf("second shared acquire failed: %v", err)
	}
	if err := table.Acquire(ctx, "t3", "k", ModeShared); err != nil {
		t.Fatalf("third shared acquire failed: %v", err)
	}
}

func TestExclusiveBlocksShared(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "writer", "k", ModeExclusive); err != nil {
		t.Fatalf("exclusive acquire failed: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := table.Acquire(shortCtx, "reader", "k", ModeShared)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestReentrantAcquire(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "t1", "k", ModeExclusive); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	// Same holder, same mode: must not deadlock against itself.
	if err := table.Acquire(ctx, "t1", "k", ModeExclusive); err != nil {
		t.Fatalf("re-entrant acquire failed: %v", err)
	}
	if err := table.Acquire(ctx, "t1", "k", ModeShared); err != nil {
		t.Fatalf("shared acquire on held exclusive failed: %v", err)
	}
}

func TestSoleHolderUpgrade(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "t1", "k", ModeShared); err != nil {
		t.Fatalf("shared acquire failed: %v", err)
	}
	if err := table.Acquire(ctx, "t1", "k", ModeExclusive); err != nil {
		t.Fatalf("sole-holder upgrade failed: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := table.Acquire(shortCtx, "t2", "k", ModeShared); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected timeout after upgrade, got %v", err)
	}
}

func TestWaiterGrantedOnRelease(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "t1", "k", ModeExclusive); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	granted := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		granted <- table.Acquire(waitCtx, "t2", "k", ModeExclusive)
	}()

	time.Sleep(20 * time.Millisecond)
	table.ReleaseAll("t1")

	if err := <-granted; err != nil {
		t.Fatalf("waiter was not granted after release: %v", err)
	}
	keys := table.HeldKeys("t2")
	if len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("expected t2 to hold k, got %v", keys)
	}
}

func TestFIFOOrderPreventsStarvation(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "holder", "k", ModeExclusive); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	enqueue := func(id string) {
		defer wg.Done()
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := table.Acquire(waitCtx, id, "k", ModeExclusive); err != nil {
			t.Errorf("acquire for %s failed: %v", id, err)
			return
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		table.ReleaseAll(id)
	}

	for _, id := range []string{"w1", "w2", "w3"} {
		wg.Add(1)
		go enqueue(id)
		// Give each waiter time to join the queue in order.
		time.Sleep(30 * time.Millisecond)
	}

	table.ReleaseAll("holder")
	wg.Wait()

	if len(order) != 3 || order[0] != "w1" || order[1] != "w2" || order[2] != "w3" {
		t.Fatalf("expected FIFO grant order w1,w2,w3, got %v", order)
	}
}

func TestAbortWaitsWakesWaiter(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "t1", "k", ModeExclusive); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	victimErr := errors.New("victim")
	got := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		got <- table.Acquire(waitCtx, "t2", "k", ModeExclusive)
	}()

	time.Sleep(20 * time.Millisecond)
	table.AbortWaits("t2", victimErr)

	err := <-got
	if !errors.Is(err, ErrWaitAborted) {
		t.Fatalf("expected ErrWaitAborted, got %v", err)
	}
}

func TestWaitForGraphShowsEdges(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "t1", "a", ModeExclusive); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := table.Acquire(ctx, "t2", "b", ModeExclusive); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// t1 waits for b, t2 waits for a: a cycle.
	go table.Acquire(ctx, "t1", "b", ModeExclusive)
	go table.Acquire(ctx, "t2", "a", ModeExclusive)
	time.Sleep(50 * time.Millisecond)
	defer func() {
		table.AbortWaits("t1", ErrWaitAborted)
		table.AbortWaits("t2", ErrWaitAborted)
	}()

	graph := table.WaitForGraph()
	if !contains(graph["t1"], "t2") {
		t.Errorf("expected edge t1 -> t2, got %v", graph["t1"])
	}
	if !contains(graph["t2"], "t1") {
		t.Errorf("expected edge t2 -> t1, got %v", graph["t2"])
	}
}

func TestReleaseAllCleansUp(t *testing.T) {
	table := New()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := table.Acquire(ctx, "t1", key, ModeExclusive); err != nil {
			t.Fatalf("acquire %s failed: %v", key, err)
		}
	}
	table.ReleaseAll("t1")

	if keys := table.HeldKeys("t1"); len(keys) != 0 {
		t.Fatalf("expected no held keys after ReleaseAll, got %v", keys)
	}

	// Keys must be immediately grantable to someone else.
	for _, key := range []string{"a", "b", "c"} {
		if err := table.Acquire(ctx, "t2", key, ModeExclusive); err != nil {
			t.Fatalf("acquire %s after release failed: %v", key, err)
		}
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func TestUpgradeTimeoutKeepsSharedHold(t *testing.T) {
	table := New()
	ctx := context.Background()

	if err := table.Acquire(ctx, "t1", "k", ModeShared); err != nil {
		t.Fatalf("t1 shared acquire failed: %v", err)
	}
	if err := table.Acquire(ctx, "t2", "k", ModeShared); err != nil {
		t.Fatalf("t2 shared acquire failed: %v", err)
	}

	upgradeCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- table.Acquire(upgradeCtx, "t1", "k", ModeExclusive)
	}()

	// The queued upgrade shows up as a t1 -> t2 wait edge.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if contains(table.WaitForGraph()["t1"], "t2") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("upgrade request never queued")
		}
		time.Sleep(time.Millisecond)
	}

	table.mu.Lock()
	rl := table.resources["k"]
	table.mu.Unlock()

	// Expire the wait, then grant the upgrade while the waiter is still
	// blocked reacquiring the resource lock. The waiter must observe
	// both the grant and the expiry and give the exclusive back.
	rl.mu.Lock()
	cancel()
	time.Sleep(50 * time.Millisecond)
	delete(rl.holders, "t2")
	rl.grantLocked()
	rl.mu.Unlock()

	if err := <-done; !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	// The original shared hold survives the failed upgrade.
	if !contains(table.HeldKeys("t1"), "k") {
		t.Fatal("failed upgrade must keep the original shared hold")
	}
	if err := table.Acquire(ctx, "t3", "k", ModeShared); err != nil {
		t.Errorf("shared acquire alongside t1 failed: %v", err)
	}
	shortCtx, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	if err := table.Acquire(shortCtx, "t4", "k", ModeExclusive); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected exclusive to block on the remaining shared hold, got %v", err)
	}
}
