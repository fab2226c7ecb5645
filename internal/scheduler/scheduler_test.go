package scheduler

import "testing"

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerAddEveryDescriptor(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("@every 15s", func() {}); err != nil {
		t.Errorf("Expected no error adding @every job, got %v", err)
	}
	if err := s.AddJob("@every 5m", func() {}); err != nil {
		t.Errorf("Expected no error adding @every job, got %v", err)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error adding invalid expression")
	}
}
