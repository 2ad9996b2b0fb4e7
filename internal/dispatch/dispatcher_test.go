package dispatch

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/queue"
	"github.com/theviktor/inbound-email/internal/router"
	"github.com/theviktor/inbound-email/internal/scheduler"
)

// countingEndpoint is an httptest webhook whose status is switchable.
type countingEndpoint struct {
	srv    *httptest.Server
	hits   atomic.Int32
	status atomic.Int32
}

func newCountingEndpoint(t *testing.T, status int) *countingEndpoint {
	t.Helper()
	e := &countingEndpoint{}
	e.status.Store(int32(status))
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		w.WriteHeader(int(e.status.Load()))
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func newTestDispatcher(t *testing.T, rt *router.Router, retryDelay time.Duration) (*Dispatcher, *queue.Store) {
	t.Helper()
	store, err := queue.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New()
	t.Cleanup(sched.StopAll)

	d := New(store, rt, NewSender(2*time.Second, ""), sched, 2, 16, retryDelay, zap.NewNop())
	d.backoff = func(int) time.Duration { return time.Millisecond }
	t.Cleanup(d.Close)
	return d, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func taskGone(store *queue.Store, id string) func() bool {
	return func() bool {
		_, err := store.Get(id)
		return err != nil
	}
}

func TestDefaultOnlyDelivery(t *testing.T) {
	t.Parallel()

	hook := newCountingEndpoint(t, http.StatusOK)
	rt := router.New("", hook.srv.URL, true, zap.NewNop())
	d, store := newTestDispatcher(t, rt, time.Minute)

	id, err := store.Create(senderEmail())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(id); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "task removal", taskGone(store, id))
	if got := hook.hits.Load(); got != 1 {
		t.Errorf("webhook hits: got %d, want 1", got)
	}
	waitFor(t, "pending drain", func() bool { return d.Pending() == 0 })
}

func TestPartialFailureRetainsFailedSubset(t *testing.T) {
	t.Parallel()

	bad := newCountingEndpoint(t, http.StatusInternalServerError)
	good := newCountingEndpoint(t, http.StatusOK)

	rules := `[
		{"name":"A","priority":1,"conditions":{},"webhook":"` + bad.srv.URL + `"},
		{"name":"B","priority":2,"conditions":{},"webhook":"` + good.srv.URL + `"}
	]`
	rt := router.New(rules, "", true, zap.NewNop())
	d, store := newTestDispatcher(t, rt, time.Hour)

	id, err := store.Create(senderEmail())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(id); err != nil {
		t.Fatal(err)
	}

	// After exhaustion the task persists only the failed target.
	waitFor(t, "retry state persisted", func() bool {
		task, err := store.Get(id)
		return err == nil && len(task.FailedWebhooks) == 1
	})

	task, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.FailedWebhooks[0] != bad.srv.URL {
		t.Errorf("FailedWebhooks: got %v, want [%s]", task.FailedWebhooks, bad.srv.URL)
	}
	if task.Attempts != maxAttempts {
		t.Errorf("Attempts: got %d, want %d", task.Attempts, maxAttempts)
	}
	if task.LastError == "" {
		t.Error("LastError: got empty")
	}

	// The healthy target was hit exactly once; the failing one per attempt.
	if got := good.hits.Load(); got != 1 {
		t.Errorf("good hits: got %d, want 1", got)
	}
	if got := bad.hits.Load(); got != int32(maxAttempts) {
		t.Errorf("bad hits: got %d, want %d", got, maxAttempts)
	}

	waitFor(t, "pending drain", func() bool { return d.Pending() == 0 })

	// Replay with the endpoint recovered: only the failed subset is
	// re-posted and the task is removed.
	bad.status.Store(http.StatusOK)
	goodBefore := good.hits.Load()
	if err := d.Enqueue(id); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "task removal after replay", taskGone(store, id))
	if got := good.hits.Load(); got != goodBefore {
		t.Errorf("good re-posted on replay: %d -> %d", goodBefore, got)
	}
}

func TestEmptyDecisionLeavesTask(t *testing.T) {
	t.Parallel()

	// No rules, no default: the router decision is empty.
	rt := router.New("", "", true, zap.NewNop())
	d, store := newTestDispatcher(t, rt, time.Minute)

	id, err := store.Create(senderEmail())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(id); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "pending drain", func() bool { return d.Pending() == 0 })
	if _, err := store.Get(id); err != nil {
		t.Error("task removed despite empty decision; must stay for operator action")
	}
}

func TestRestrictionEliminatingAllTargetsRemovesTask(t *testing.T) {
	t.Parallel()

	hook := newCountingEndpoint(t, http.StatusOK)
	rt := router.New("", hook.srv.URL, true, zap.NewNop())
	d, store := newTestDispatcher(t, rt, time.Minute)

	id, err := store.Create(senderEmail())
	if err != nil {
		t.Fatal(err)
	}
	// Failed set names a webhook that is no longer routed.
	if err := store.Update(id, queue.Patch{FailedWebhooks: []string{"https://gone.example.com"}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(id); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "task removal", taskGone(store, id))
	if got := hook.hits.Load(); got != 0 {
		t.Errorf("webhook hit despite restriction: %d", got)
	}
}

func TestGoneTaskIsAcked(t *testing.T) {
	t.Parallel()

	hook := newCountingEndpoint(t, http.StatusOK)
	rt := router.New("", hook.srv.URL, true, zap.NewNop())
	d, _ := newTestDispatcher(t, rt, time.Minute)

	if err := d.Enqueue("1700000000000-deadbeef0000"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pending drain", func() bool { return d.Pending() == 0 })
	if got := hook.hits.Load(); got != 0 {
		t.Errorf("webhook hit for missing task: %d", got)
	}
}

func TestDeferredReEnqueueFires(t *testing.T) {
	t.Parallel()

	bad := newCountingEndpoint(t, http.StatusInternalServerError)
	rt := router.New("", bad.srv.URL, true, zap.NewNop())
	d, store := newTestDispatcher(t, rt, 50*time.Millisecond)

	id, err := store.Create(senderEmail())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(id); err != nil {
		t.Fatal(err)
	}

	// First cycle exhausts, then the deferred timer re-enqueues. Once the
	// endpoint recovers the replay succeeds and the task is removed.
	waitFor(t, "first exhaustion", func() bool {
		task, err := store.Get(id)
		return err == nil && task.Attempts >= maxAttempts
	})
	bad.status.Store(http.StatusOK)

	waitFor(t, "task removal after deferred retry", taskGone(store, id))
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	store, err := queue.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New()
	t.Cleanup(sched.StopAll)

	// Zero workers: nothing drains the queue.
	rt := router.New("", "https://d.example.com", true, zap.NewNop())
	d := New(store, rt, NewSender(time.Second, ""), sched, 0, 2, time.Minute, zap.NewNop())
	t.Cleanup(d.Close)

	if err := d.Enqueue("a"); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue("b"); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue("c"); err != ErrQueueFull {
		t.Errorf("Enqueue over cap: got %v, want ErrQueueFull", err)
	}
}
