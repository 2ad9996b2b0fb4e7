package storage

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/scheduler"
)

func newTestReconciler(t *testing.T, up Uploader, maxRetries int) (*Reconciler, *Local) {
	t.Helper()
	local, err := NewLocal(t.TempDir(), nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New()
	t.Cleanup(sched.StopAll)
	r := NewReconciler(up, local, sched, time.Hour, maxRetries, zap.NewNop())
	return r, local
}

func TestDrainUploadsAndUnlinks(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	r, local := newTestReconciler(t, up, 3)

	path, _, err := local.Save(testAttachment("staged.pdf", []byte("staged content")))
	if err != nil {
		t.Fatal(err)
	}
	r.Add(path)

	r.drain()

	if up.callCount() != 1 {
		t.Errorf("upload calls: got %d, want 1", up.callCount())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("data file not unlinked after drain")
	}
	if _, err := os.Stat(path + metaSuffix); !os.IsNotExist(err) {
		t.Error("meta file not unlinked after drain")
	}
	if got := r.Pending(); got != 0 {
		t.Errorf("Pending: got %d, want 0", got)
	}
}

func TestRetryCapDropsItemButKeepsFile(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	up.setFail(true)
	r, local := newTestReconciler(t, up, 2)

	path, _, err := local.Save(testAttachment("stuck.pdf", []byte("stuck")))
	if err != nil {
		t.Fatal(err)
	}
	r.Add(path)

	r.drain()
	if got := r.Pending(); got != 1 {
		t.Fatalf("Pending after first failure: got %d, want 1", got)
	}
	r.drain()
	if got := r.Pending(); got != 0 {
		t.Errorf("Pending after cap: got %d, want 0", got)
	}

	// The file stays for the retention sweep.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("capped file removed from disk: %v", err)
	}
}

func TestSeedPicksUpStagedFiles(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	r, local := newTestReconciler(t, up, 3)

	if _, _, err := local.Save(testAttachment("a.bin", []byte("a"))); err != nil {
		t.Fatal(err)
	}
	if _, _, err := local.Save(testAttachment("b.bin", []byte("b"))); err != nil {
		t.Fatal(err)
	}

	r.Seed()
	if got := r.Pending(); got != 2 {
		t.Errorf("Pending after Seed: got %d, want 2", got)
	}
}

func TestVanishedFileDropsFromRetrySet(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	r, local := newTestReconciler(t, up, 3)

	path, _, err := local.Save(testAttachment("gone.bin", []byte("gone")))
	if err != nil {
		t.Fatal(err)
	}
	r.Add(path)
	local.Remove(path)

	r.drain()
	if got := r.Pending(); got != 0 {
		t.Errorf("Pending: got %d, want 0 after file vanished", got)
	}
	if up.callCount() != 0 {
		t.Error("uploader called for vanished file")
	}
}

func TestAddIsIdempotentPerPath(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	r, local := newTestReconciler(t, up, 3)

	path, _, err := local.Save(testAttachment("dup.bin", []byte("dup")))
	if err != nil {
		t.Fatal(err)
	}
	r.Add(path)
	r.Add(path)
	if got := r.Pending(); got != 1 {
		t.Errorf("Pending: got %d, want 1", got)
	}
}
