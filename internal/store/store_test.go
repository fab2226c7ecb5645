package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/DocPipe/internal/models"
)

func TestInMemoryStorePendingRequests(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	req := models.PendingRequest{
		Identifier:   "MARS850101HDFLRN02",
		SubjectID:    "5215512345678@s.whatsapp.net",
		DocumentType: models.DocumentTypeBirth,
	}
	if err := s.UpsertPendingRequest(req); err != nil {
		t.Fatalf("UpsertPendingRequest failed: %v", err)
	}

	got, err := s.GetPendingRequest(req.Identifier)
	if err != nil {
		t.Fatalf("GetPendingRequest failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected pending request, got nil")
	}
	if got.SubjectID != req.SubjectID {
		t.Errorf("expected subject %s, got %s", req.SubjectID, got.SubjectID)
	}

	// An unfulfilled tick accumulates attempts, then a resubmission resets them.
	if _, err := s.IncrementAllAttempts(); err != nil {
		t.Fatalf("IncrementAllAttempts failed: %v", err)
	}
	got, _ = s.GetPendingRequest(req.Identifier)
	if got.AttemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", got.AttemptCount)
	}
	if err := s.UpsertPendingRequest(req); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	got, _ = s.GetPendingRequest(req.Identifier)
	if got.AttemptCount != 0 {
		t.Errorf("expected attempt count reset to 0, got %d", got.AttemptCount)
	}

	if err := s.DeletePendingRequest(req.Identifier); err != nil {
		t.Fatalf("DeletePendingRequest failed: %v", err)
	}
	got, _ = s.GetPendingRequest(req.Identifier)
	if got != nil {
		t.Error("expected pending request gone after delete")
	}
}

func TestInMemoryStoreGetPendingRequestMissing(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	got, err := s.GetPendingRequest("XXXX000000XXXXXX00")
	if err != nil {
		t.Fatalf("GetPendingRequest failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing identifier")
	}
}

func TestInMemoryStoreIncrementAllAttemptsEmpty(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	n, err := s.IncrementAllAttempts()
	if err != nil {
		t.Fatalf("IncrementAllAttempts failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 touched rows on empty registry, got %d", n)
	}
}

func TestInMemoryStoreEvictExpired(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	fresh := models.PendingRequest{Identifier: "GOMC900215MDFNRL08", SubjectID: "a@s.whatsapp.net"}
	tired := models.PendingRequest{Identifier: "12345678901234567890", SubjectID: "b@s.whatsapp.net"}
	if err := s.UpsertPendingRequest(fresh); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := s.UpsertPendingRequest(tired); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Neither entry is old or exhausted yet.
	n, err := s.EvictExpired(time.Hour, 80)
	if err != nil {
		t.Fatalf("EvictExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no evictions, got %d", n)
	}

	// Push both over the attempt ceiling but only expect evictions past it.
	for i := 0; i < 3; i++ {
		if _, err := s.IncrementAllAttempts(); err != nil {
			t.Fatalf("IncrementAllAttempts failed: %v", err)
		}
	}
	n, err = s.EvictExpired(time.Hour, 2)
	if err != nil {
		t.Fatalf("EvictExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 evictions past attempt ceiling, got %d", n)
	}
	if count, _ := s.CountPendingRequests(); count != 0 {
		t.Errorf("expected empty registry, got %d entries", count)
	}

	// Age alone also evicts, independent of attempts.
	if err := s.UpsertPendingRequest(fresh); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	n, err = s.EvictExpired(0, 80)
	if err != nil {
		t.Fatalf("EvictExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 eviction by age, got %d", n)
	}
}

func TestInMemoryStoreLedger(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	entry := models.LedgerEntry{
		Identifier:   "MARS850101HDFLRN02",
		SubjectID:    "5215512345678@s.whatsapp.net",
		DisplayName:  "Maria",
		DocumentType: models.DocumentTypeBirth,
		Authorized:   true,
	}
	if err := s.AppendRequest(entry); err != nil {
		t.Fatalf("AppendRequest failed: %v", err)
	}
	if err := s.AppendRequest(entry); err != nil {
		t.Fatalf("second AppendRequest failed: %v", err)
	}
	if count, _ := s.CountRequests(); count != 2 {
		t.Errorf("expected 2 ledger rows, got %d", count)
	}

	ok, err := s.MarkCompleted(entry.Identifier, entry.SubjectID)
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if !ok {
		t.Fatal("expected MarkCompleted to advance a row")
	}
	entries := s.LedgerEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(entries))
	}
	// The newest row completes first; the older one stays pending.
	newest := entries[len(entries)-1]
	if newest.Status != models.LedgerStatusCompleted {
		t.Errorf("expected newest row completado, got %s", newest.Status)
	}
	if newest.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if entries[0].Status != models.LedgerStatusPending {
		t.Errorf("expected older row pendiente, got %s", entries[0].Status)
	}

	// Completing an unauthorized submission never happens: rejected rows stay put.
	rejected := entry
	rejected.Identifier = "GOMC900215MDFNRL08"
	rejected.Authorized = false
	if err := s.AppendRequest(rejected); err != nil {
		t.Fatalf("AppendRequest failed: %v", err)
	}
	ok, err = s.MarkCompleted(rejected.Identifier, rejected.SubjectID)
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if ok {
		t.Error("expected rejected row to stay untouched")
	}
}

func TestInMemoryStoreMarkCompletedNoMatch(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	ok, err := s.MarkCompleted("MARS850101HDFLRN02", "nobody@s.whatsapp.net")
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if ok {
		t.Error("expected no row to advance on empty ledger")
	}
}

func TestInMemoryStoreAuthorization(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	subject := "120363000000000001@g.us"
	authorized, err := s.IsAuthorized(subject)
	if err != nil {
		t.Fatalf("IsAuthorized failed: %v", err)
	}
	if authorized {
		t.Error("expected unknown subject to be unauthorized")
	}

	changed, err := s.Authorize(subject, models.SubjectKindGroup, "admin@s.whatsapp.net")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !changed {
		t.Error("expected first authorization to report a change")
	}
	changed, err = s.Authorize(subject, models.SubjectKindGroup, "admin@s.whatsapp.net")
	if err != nil {
		t.Fatalf("repeat Authorize failed: %v", err)
	}
	if changed {
		t.Error("expected repeat authorization to be a no-op")
	}

	if authorized, _ = s.IsAuthorized(subject); !authorized {
		t.Error("expected subject authorized")
	}

	cfg := models.SubjectConfig{AutoMatting: true, AutoUpload: true, ConfiguredBy: "panel"}
	if err := s.SetSubjectConfig(subject, cfg); err != nil {
		t.Fatalf("SetSubjectConfig failed: %v", err)
	}
	got, err := s.GetSubjectConfig(subject)
	if err != nil {
		t.Fatalf("GetSubjectConfig failed: %v", err)
	}
	if !got.AutoMatting || !got.AutoUpload {
		t.Errorf("expected config flags set, got %+v", got)
	}

	auths, err := s.ListAuthorized()
	if err != nil {
		t.Fatalf("ListAuthorized failed: %v", err)
	}
	if len(auths) != 1 {
		t.Fatalf("expected 1 authorization, got %d", len(auths))
	}
	if !auths[0].Config.AutoMatting {
		t.Error("expected auto_matting carried into listing")
	}

	changed, err = s.Deauthorize(subject)
	if err != nil {
		t.Fatalf("Deauthorize failed: %v", err)
	}
	if !changed {
		t.Error("expected deauthorization to report a change")
	}
	if err := s.SetSubjectConfig(subject, cfg); err != models.ErrNotAuthorized {
		t.Errorf("expected ErrNotAuthorized configuring deauthorized subject, got %v", err)
	}
}

func TestInMemoryStoreAdministrators(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	admin := models.Administrator{
		SubjectID:   "5215598765432@s.whatsapp.net",
		Name:        "Carlos",
		SubjectKind: models.SubjectKindUser,
	}
	if err := s.AddAdministrator(admin); err != nil {
		t.Fatalf("AddAdministrator failed: %v", err)
	}
	if err := s.AddAdministrator(admin); err != models.ErrAlreadyAdmin {
		t.Errorf("expected ErrAlreadyAdmin, got %v", err)
	}

	is, err := s.IsAdministrator(admin.SubjectID)
	if err != nil {
		t.Fatalf("IsAdministrator failed: %v", err)
	}
	if !is {
		t.Error("expected subject to be an administrator")
	}

	// Promotion consumes any plain authorization row.
	if _, err := s.Authorize("other@s.whatsapp.net", models.SubjectKindUser, admin.SubjectID); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	other := models.Administrator{SubjectID: "other@s.whatsapp.net", Name: "Ana", SubjectKind: models.SubjectKindUser}
	if err := s.AddAdministrator(other); err != nil {
		t.Fatalf("AddAdministrator failed: %v", err)
	}
	auths, _ := s.ListAuthorized()
	for _, a := range auths {
		if a.SubjectID == other.SubjectID {
			t.Error("expected authorization row consumed on promotion")
		}
	}

	admins, err := s.ListAdministrators()
	if err != nil {
		t.Fatalf("ListAdministrators failed: %v", err)
	}
	if len(admins) != 2 {
		t.Fatalf("expected 2 administrators, got %d", len(admins))
	}

	if err := s.RemoveAdministrator(other.SubjectID); err != nil {
		t.Fatalf("RemoveAdministrator failed: %v", err)
	}
	if err := s.RemoveAdministrator(other.SubjectID); err != models.ErrAdminNotFound {
		t.Errorf("expected ErrAdminNotFound, got %v", err)
	}
}

func TestInMemoryStoreCounters(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	if err := s.IncrementCounter("a@s.whatsapp.net", "Ana"); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if err := s.IncrementCounter("a@s.whatsapp.net", "Ana"); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if err := s.IncrementCounter("b@s.whatsapp.net", "Beto"); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}

	counters, err := s.ListCounters()
	if err != nil {
		t.Fatalf("ListCounters failed: %v", err)
	}
	if len(counters) != 2 {
		t.Fatalf("expected 2 counters, got %d", len(counters))
	}
	if counters[0].SubjectID != "a@s.whatsapp.net" || counters[0].TotalDocuments != 2 {
		t.Errorf("expected top counter a=2, got %s=%d", counters[0].SubjectID, counters[0].TotalDocuments)
	}

	removed, err := s.ResetCounters()
	if err != nil {
		t.Fatalf("ResetCounters failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 counters removed, got %d", removed)
	}
	counters, _ = s.ListCounters()
	if len(counters) != 0 {
		t.Errorf("expected no counters after reset, got %d", len(counters))
	}
}

func TestInMemoryStoreGroups(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	g := models.Group{ID: "120363000000000001@g.us", Name: "Registro Civil", ParticipantCount: 12}
	if err := s.SaveGroup(g); err != nil {
		t.Fatalf("SaveGroup failed: %v", err)
	}
	g.ParticipantCount = 13
	if err := s.SaveGroup(g); err != nil {
		t.Fatalf("re-save failed: %v", err)
	}

	got, err := s.GetGroup(g.ID)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected group, got nil")
	}
	if got.ParticipantCount != 13 {
		t.Errorf("expected participant count 13, got %d", got.ParticipantCount)
	}

	missing, err := s.GetGroup("unknown@g.us")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown group")
	}

	groups, err := s.ListGroups()
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Errorf("expected 1 group, got %d", len(groups))
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "docpipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	req := models.PendingRequest{
		Identifier:   "MARS850101HDFLRN02",
		SubjectID:    "5215512345678@s.whatsapp.net",
		DocumentType: models.DocumentTypeMarriage,
		Options:      models.FormatOptions{WantsFrontMatting: true},
	}
	if err := s.UpsertPendingRequest(req); err != nil {
		t.Fatalf("UpsertPendingRequest failed: %v", err)
	}
	got, err := s.GetPendingRequest(req.Identifier)
	if err != nil {
		t.Fatalf("GetPendingRequest failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected pending request, got nil")
	}
	if got.DocumentType != models.DocumentTypeMarriage {
		t.Errorf("expected matrimonio, got %s", got.DocumentType)
	}
	if !got.Options.WantsFrontMatting {
		t.Error("expected wants_front to round-trip")
	}

	n, err := s.IncrementAllAttempts()
	if err != nil {
		t.Fatalf("IncrementAllAttempts failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 touched row, got %d", n)
	}

	if err := s.AppendRequest(models.LedgerEntry{
		Identifier:   req.Identifier,
		SubjectID:    req.SubjectID,
		DocumentType: req.DocumentType,
		Authorized:   true,
	}); err != nil {
		t.Fatalf("AppendRequest failed: %v", err)
	}
	ok, err := s.MarkCompleted(req.Identifier, req.SubjectID)
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if !ok {
		t.Error("expected ledger row to advance")
	}
	ok, err = s.MarkCompleted(req.Identifier, req.SubjectID)
	if err != nil {
		t.Fatalf("second MarkCompleted failed: %v", err)
	}
	if ok {
		t.Error("expected no further rows to advance")
	}

	if err := s.DeletePendingRequest(req.Identifier); err != nil {
		t.Fatalf("DeletePendingRequest failed: %v", err)
	}
	if count, _ := s.CountPendingRequests(); count != 0 {
		t.Errorf("expected empty registry, got %d", count)
	}
}

func TestSQLiteStoreAuthorizationAndCounters(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "docpipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	subject := "120363000000000001@g.us"
	if err := s.SaveGroup(models.Group{ID: subject, Name: "Registro Civil", ParticipantCount: 5}); err != nil {
		t.Fatalf("SaveGroup failed: %v", err)
	}
	changed, err := s.Authorize(subject, models.SubjectKindGroup, "admin@s.whatsapp.net")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !changed {
		t.Error("expected first authorization to change state")
	}
	auths, err := s.ListAuthorized()
	if err != nil {
		t.Fatalf("ListAuthorized failed: %v", err)
	}
	if len(auths) != 1 {
		t.Fatalf("expected 1 authorization, got %d", len(auths))
	}
	if auths[0].GroupName != "Registro Civil" {
		t.Errorf("expected denormalized group name, got %q", auths[0].GroupName)
	}

	if err := s.IncrementCounter(subject, "Registro Civil"); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if err := s.IncrementCounter(subject, "Registro Civil"); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	counters, err := s.ListCounters()
	if err != nil {
		t.Fatalf("ListCounters failed: %v", err)
	}
	if len(counters) != 1 || counters[0].TotalDocuments != 2 {
		t.Fatalf("expected one counter at 2, got %+v", counters)
	}
}

// getenvOrSkip retrieves an environment variable or skips the test.
func getenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	val := os.Getenv(key)
	if val == "" {
		t.Skipf("%s not set, skipping integration test", key)
	}
	return val
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	defer s.Close()

	req := models.PendingRequest{
		Identifier:   "TEPJ700101HDFSTS09",
		SubjectID:    "integration@s.whatsapp.net",
		DocumentType: models.DocumentTypeBirth,
	}
	if err := s.UpsertPendingRequest(req); err != nil {
		t.Fatalf("UpsertPendingRequest failed: %v", err)
	}
	got, err := s.GetPendingRequest(req.Identifier)
	if err != nil {
		t.Fatalf("GetPendingRequest failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected pending request, got nil")
	}
	if err := s.DeletePendingRequest(req.Identifier); err != nil {
		t.Fatalf("DeletePendingRequest failed: %v", err)
	}
}

// Interface conformance checks.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
