package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSubmitRequiresToolName(t *testing.T) {
	b := New(testLogger())
	if _, err := b.Submit("", nil, time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSubmitWithoutAgentStaysPending(t *testing.T) {
	b := New(testLogger())
	id, err := b.Submit("jira_search", json.RawMessage(`{"query":"X"}`), time.Minute)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view, err := b.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.State != TaskPending {
		t.Fatalf("expected pending, got %s", view.State)
	}
}

func TestPollUnknownAgent(t *testing.T) {
	b := New(testLogger())
	if _, err := b.Poll("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPollOnlyMatchingCapability(t *testing.T) {
	b := New(testLogger())
	if err := b.RegisterAgent("a1", []string{"confluence_search"}, nil); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := b.Submit("jira_search", nil, time.Minute); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task, err := b.Poll("a1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if task != nil {
		t.Fatalf("agent without capability received task %s", task.ID)
	}
}

func TestNoDoubleDispatch(t *testing.T) {
	b := New(testLogger())
	const agents = 8
	const tasks = 40

	agentIDs := make([]string, agents)
	for i := range agentIDs {
		agentIDs[i] = string(rune('a' + i))
		if err := b.RegisterAgent(agentIDs[i], []string{"jira_search"}, nil); err != nil {
			t.Fatalf("RegisterAgent: %v", err)
		}
	}
	for i := 0; i < tasks; i++ {
		if _, err := b.Submit("jira_search", nil, time.Minute); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for _, id := range agentIDs {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			for {
				task, err := b.Poll(agentID)
				if err != nil {
					t.Errorf("Poll(%s): %v", agentID, err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if len(seen) != tasks {
		t.Fatalf("dispatched %d distinct tasks, want %d", len(seen), tasks)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s dispatched %d times", id, n)
		}
	}
}

func TestFIFOPerCapability(t *testing.T) {
	clock := newFakeClock()
	b := New(testLogger(), WithClock(clock.Now))
	if err := b.RegisterAgent("a1", []string{"jira_search"}, nil); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	t1, _ := b.Submit("jira_search", nil, time.Minute)
	clock.Advance(time.Millisecond)
	t2, _ := b.Submit("jira_search", nil, time.Minute)

	first, err := b.Poll("a1")
	if err != nil || first == nil {
		t.Fatalf("first poll: task=%v err=%v", first, err)
	}
	if first.ID != t1 {
		t.Fatalf("first poll returned %s, want %s", first.ID, t1)
	}
	second, err := b.Poll("a1")
	if err != nil || second == nil {
		t.Fatalf("second poll: task=%v err=%v", second, err)
	}
	if second.ID != t2 {
		t.Fatalf("second poll returned %s, want %s", second.ID, t2)
	}
}

func TestFIFOTieBreakByTaskID(t *testing.T) {
	clock := newFakeClock()
	b := New(testLogger(), WithClock(clock.Now))
	if err := b.RegisterAgent("a1", []string{"jira_search"}, nil); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	// Same created_at for both tasks: order falls back to task_id.
	id1, _ := b.Submit("jira_search", nil, time.Minute)
	id2, _ := b.Submit("jira_search", nil, time.Minute)
	want := id1
	if id2 < id1 {
		want = id2
	}
	task, err := b.Poll("a1")
	if err != nil || task == nil {
		t.Fatalf("poll: task=%v err=%v", task, err)
	}
	if task.ID != want {
		t.Fatalf("poll returned %s, want lexicographically smaller %s", task.ID, want)
	}
}

func TestSubmitResultLifecycle(t *testing.T) {
	b := New(testLogger())
	if err := b.RegisterAgent("a1", []string{"jira_search"}, nil); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	id, _ := b.Submit("jira_search", json.RawMessage(`{"query":"X"}`), time.Minute)
	task, _ := b.Poll("a1")
	if task == nil || task.ID != id {
		t.Fatalf("poll did not return submitted task")
	}

	if err := b.SubmitResult(id, "a1", true, json.RawMessage(`{"hits":3}`), ""); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	view, _ := b.Get(id)
	if view.State != TaskSucceeded {
		t.Fatalf("state = %s, want succeeded", view.State)
	}
	if string(view.Result) != `{"hits":3}` {
		t.Fatalf("result = %s", view.Result)
	}
	if view.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	// A retried submission after the terminal transition is stale.
	err := b.SubmitResult(id, "a1", true, nil, "")
	if !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult on duplicate, got %v", err)
	}
}

func TestSubmitResultWrongAgent(t *testing.T) {
	b := New(testLogger())
	b.RegisterAgent("a1", []string{"jira_search"}, nil)
	b.RegisterAgent("a2", []string{"jira_search"}, nil)
	id, _ := b.Submit("jira_search", nil, time.Minute)
	if task, _ := b.Poll("a1"); task == nil {
		t.Fatalf("poll returned no task")
	}
	if err := b.SubmitResult(id, "a2", true, nil, ""); !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult from wrong agent, got %v", err)
	}
	view, _ := b.Get(id)
	if view.State != TaskDispatched {
		t.Fatalf("state = %s, want dispatched", view.State)
	}
}

func TestSubmitResultUnknownTask(t *testing.T) {
	b := New(testLogger())
	if err := b.SubmitResult("nope", "a1", true, nil, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaleResultAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New(testLogger(), WithClock(clock.Now))
	b.RegisterAgent("a1", []string{"jira_search"}, nil)
	id, _ := b.Submit("jira_search", nil, 30*time.Second)
	if task, _ := b.Poll("a1"); task == nil {
		t.Fatalf("poll returned no task")
	}

	clock.Advance(31 * time.Second)
	b.sweep(clock.Now())

	view, _ := b.Get(id)
	if view.State != TaskTimedOut {
		t.Fatalf("state = %s, want timed_out", view.State)
	}

	// The original agent finally finishes; its result must be rejected
	// and the terminal state preserved.
	err := b.SubmitResult(id, "a1", true, json.RawMessage(`{"late":true}`), "")
	if !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult, got %v", err)
	}
	view, _ = b.Get(id)
	if view.State != TaskTimedOut {
		t.Fatalf("state changed to %s after stale result", view.State)
	}
	if len(view.Result) != 0 {
		t.Fatalf("stale result was recorded: %s", view.Result)
	}
}

func TestSweepTimesOutPendingTask(t *testing.T) {
	clock := newFakeClock()
	b := New(testLogger(), WithClock(clock.Now))
	id, _ := b.Submit("jira_search", nil, 30*time.Second)

	clock.Advance(29 * time.Second)
	b.sweep(clock.Now())
	if view, _ := b.Get(id); view.State != TaskPending {
		t.Fatalf("state = %s before deadline, want pending", view.State)
	}

	clock.Advance(2 * time.Second)
	b.sweep(clock.Now())
	if view, _ := b.Get(id); view.State != TaskTimedOut {
		t.Fatalf("state = %s after deadline, want timed_out", view.State)
	}
}

func TestSweepEvictsTerminalTasksAfterRetention(t *testing.T) {
	clock := newFakeClock()
	b := New(testLogger(), WithClock(clock.Now), WithTaskRetention(5*time.Minute))
	old, _ := b.Submit("jira_search", nil, time.Minute)
	if err := b.Cancel(old); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	clock.Advance(4 * time.Minute)
	recent, _ := b.Submit("jira_search", nil, time.Minute)
	if err := b.Cancel(recent); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	clock.Advance(90 * time.Second)
	b.sweep(clock.Now())

	if _, err := b.Get(old); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task past retention must be evicted, got %v", err)
	}
	if view, err := b.Get(recent); err != nil || view.State != TaskCancelled {
		t.Fatalf("task within retention must survive: view=%v err=%v", view, err)
	}
}

func TestSweepKeepsLiveTasksRegardlessOfRetention(t *testing.T) {
	clock := newFakeClock()
	b := New(testLogger(), WithClock(clock.Now), WithTaskRetention(time.Minute))
	id, _ := b.Submit("jira_search", nil, time.Hour)

	clock.Advance(30 * time.Minute)
	b.sweep(clock.Now())
	if view, err := b.Get(id); err != nil || view.State != TaskPending {
		t.Fatalf("pending task must never be evicted: view=%v err=%v", view, err)
	}
}

func TestDispatchDeadlineStartsAtDispatch(t *testing.T) {
	clock := newFakeClock()
	b := New(testLogger(), WithClock(clock.Now))
	b.RegisterAgent("a1", []string{"jira_search"}, nil)
	id, _ := b.Submit("jira_search", nil, 30*time.Second)

	clock.Advance(20 * time.Second)
	if task, _ := b.Poll("a1"); task == nil {
		t.Fatalf("poll returned no task")
	}

	// 20s pending + 20s dispatched: dispatch deadline not yet reached.
	clock.Advance(20 * time.Second)
	b.sweep(clock.Now())
	if view, _ := b.Get(id); view.State != TaskDispatched {
		t.Fatalf("state = %s, want dispatched", view.State)
	}

	clock.Advance(11 * time.Second)
	b.sweep(clock.Now())
	if view, _ := b.Get(id); view.State != TaskTimedOut {
		t.Fatalf("state = %s, want timed_out", view.State)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	b := New(testLogger())
	id, _ := b.Submit("jira_search", nil, time.Minute)
	if err := b.Cancel(id); err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	if view, _ := b.Get(id); view.State != TaskCancelled {
		t.Fatalf("state = %s, want cancelled", view.State)
	}
	if err := b.Cancel(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on cancelled task, got %v", err)
	}

	b.RegisterAgent("a1", []string{"jira_search"}, nil)
	id2, _ := b.Submit("jira_search", nil, time.Minute)
	if task, _ := b.Poll("a1"); task == nil {
		t.Fatalf("poll returned no task")
	}
	if err := b.Cancel(id2); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on dispatched task, got %v", err)
	}
}

func TestAwaitResultUnblocksOnCompletion(t *testing.T) {
	b := New(testLogger())
	b.RegisterAgent("a1", []string{"jira_search"}, nil)
	id, _ := b.Submit("jira_search", nil, time.Minute)

	go func() {
		task, err := b.Poll("a1")
		if err != nil || task == nil {
			return
		}
		b.SubmitResult(task.ID, "a1", true, json.RawMessage(`"ok"`), "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	view, err := b.AwaitResult(ctx, id)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if view.State != TaskSucceeded || string(view.Result) != `"ok"` {
		t.Fatalf("unexpected terminal view: %+v", view)
	}
}

func TestAwaitResultDeadline(t *testing.T) {
	b := New(testLogger())
	id, _ := b.Submit("jira_search", nil, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.AwaitResult(ctx, id); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	// The task itself is untouched by the waiter's deadline.
	if view, _ := b.Get(id); view.State != TaskPending {
		t.Fatalf("state = %s, want pending", view.State)
	}
}

func TestExecuteTimesOutWithoutAgent(t *testing.T) {
	b := New(testLogger())
	start := time.Now()
	_, err := b.Execute(context.Background(), "jira_search", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("Execute returned too early: %s", elapsed)
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	b := New(testLogger())
	b.RegisterAgent("a1", []string{"jira_search"}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			task, err := b.Poll("a1")
			if err != nil {
				return
			}
			if task != nil {
				b.SubmitResult(task.ID, "a1", true, json.RawMessage(`{"hits":1}`), "")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	view, err := b.Execute(context.Background(), "jira_search", json.RawMessage(`{"query":"X"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if view.State != TaskSucceeded || string(view.Result) != `{"hits":1}` {
		t.Fatalf("unexpected outcome: %+v", view)
	}
	<-done
}

func TestStatusCounts(t *testing.T) {
	b := New(testLogger())
	b.RegisterAgent("a1", []string{"jira_search"}, map[string]string{"host": "laptop"})
	b.Submit("jira_search", nil, time.Minute)
	b.Submit("jira_search", nil, time.Minute)
	if task, _ := b.Poll("a1"); task == nil {
		t.Fatalf("poll returned no task")
	}

	snap := b.Status()
	if snap.RegisteredAgents != 1 || snap.PendingTasks != 1 || snap.ActiveTasks != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].ActiveTasks != 1 {
		t.Fatalf("unexpected agent status: %+v", snap.Agents)
	}
	if snap.Agents[0].Metadata["host"] != "laptop" {
		t.Fatalf("metadata not surfaced: %+v", snap.Agents[0].Metadata)
	}
}
