package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/DocPipe/internal/delivery"
	"github.com/BTreeMap/DocPipe/internal/mailbox"
	"github.com/BTreeMap/DocPipe/internal/messaging"
	"github.com/BTreeMap/DocPipe/internal/models"
	"github.com/BTreeMap/DocPipe/internal/renderer"
	"github.com/BTreeMap/DocPipe/internal/store"
)

func newTestSweeper(t *testing.T, opts ...Option) (*Sweeper, string, *store.InMemoryStore, *messaging.MockService) {
	t.Helper()
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	svc := messaging.NewMockService()
	rend := renderer.NewMockRenderer()
	queue, err := delivery.NewQueue(st, svc, rend,
		delivery.WithDropDir(dir),
		delivery.WithFilePause(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	inbox := mailbox.NewInbox(dir, st, svc, mailbox.WithMessagePause(time.Millisecond))
	return NewSweeper(st, inbox, queue, dir, opts...), dir, st, svc
}

func TestFastTickDeliversDetectedFile(t *testing.T) {
	sw, dir, st, svc := newTestSweeper(t)
	subject := "5215512345678@s.whatsapp.net"
	id := "MARS850101HDFLRN02"
	st.UpsertPendingRequest(models.PendingRequest{Identifier: id, SubjectID: subject})
	st.AppendRequest(models.LedgerEntry{Identifier: id, SubjectID: subject, Authorized: true})
	if err := os.WriteFile(filepath.Join(dir, id+".pdf"), []byte("%PDF"), 0644); err != nil {
		t.Fatalf("failed to write drop file: %v", err)
	}

	sw.FastTick(context.Background())

	if len(svc.Documents()) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(svc.Documents()))
	}
	if got, _ := st.GetPendingRequest(id); got != nil {
		t.Error("expected registry entry consumed")
	}
}

func TestFastTickAttemptAccounting(t *testing.T) {
	sw, dir, st, _ := newTestSweeper(t)
	id := "MARS850101HDFLRN02"
	st.UpsertPendingRequest(models.PendingRequest{Identifier: id, SubjectID: "a@s.whatsapp.net"})

	// No file on disk: the waiting entry accrues an attempt.
	sw.FastTick(context.Background())
	got, _ := st.GetPendingRequest(id)
	if got.AttemptCount != 1 {
		t.Errorf("expected attempt count 1 after empty tick, got %d", got.AttemptCount)
	}

	// A tick that finds a new file does not count as a missed attempt.
	if err := os.WriteFile(filepath.Join(dir, "GOMC900215MDFNRL08.pdf"), []byte("%PDF"), 0644); err != nil {
		t.Fatalf("failed to write drop file: %v", err)
	}
	sw.FastTick(context.Background())
	got, _ = st.GetPendingRequest(id)
	if got.AttemptCount != 1 {
		t.Errorf("expected attempt count unchanged on productive tick, got %d", got.AttemptCount)
	}
}

func TestFastTickEmptyRegistrySkipsAccounting(t *testing.T) {
	sw, _, st, _ := newTestSweeper(t)
	sw.FastTick(context.Background())
	if count, _ := st.CountPendingRequests(); count != 0 {
		t.Errorf("expected registry untouched, got %d entries", count)
	}
}

func TestFastTickDrainsMailboxes(t *testing.T) {
	sw, dir, st, svc := newTestSweeper(t)
	id := "MARS850101HDFLRN02"
	st.UpsertPendingRequest(models.PendingRequest{Identifier: id, SubjectID: "a@s.whatsapp.net"})

	if err := os.WriteFile(filepath.Join(dir, mailbox.DeletionFile),
		[]byte(`[{"identificador": "MARS850101HDFLRN02"}]`), 0644); err != nil {
		t.Fatalf("failed to write deletion mailbox: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notif_temp_1.json"),
		[]byte(`{"destinatario": "b@s.whatsapp.net", "mensaje": "hola", "procesado": false}`), 0644); err != nil {
		t.Fatalf("failed to write notification: %v", err)
	}

	sw.FastTick(context.Background())

	if got, _ := st.GetPendingRequest(id); got != nil {
		t.Error("expected deletion mailbox applied")
	}
	sent := svc.Sent()
	if len(sent) != 1 || sent[0].To != "b@s.whatsapp.net" {
		t.Errorf("expected notification sent, got %+v", sent)
	}
}

func TestSlowTickEvictsAndPurges(t *testing.T) {
	sw, dir, st, _ := newTestSweeper(t, WithTTL(0), WithPurgeAge(time.Minute))
	st.UpsertPendingRequest(models.PendingRequest{Identifier: "MARS850101HDFLRN02", SubjectID: "a@s.whatsapp.net"})

	stale := filepath.Join(dir, "backup_123_old.pdf")
	fresh := filepath.Join(dir, "enmarcado_new.pdf")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("failed to backdate file: %v", err)
	}

	sw.SlowTick(context.Background())

	if count, _ := st.CountPendingRequests(); count != 0 {
		t.Errorf("expected expired entry evicted, got %d remaining", count)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale backup purged")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("expected fresh temp file kept")
	}
}
