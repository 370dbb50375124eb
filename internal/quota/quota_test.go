package quota

import "testing"

func TestConsumeUntilDailyExhausted(t *testing.T) {
	tr := NewTracker("acme", 3, 0)

	for i := 0; i < 3; i++ {
		if err := tr.Consume(); err != nil {
			t.Fatalf("unexpected error on request %d: %v", i, err)
		}
	}
	if err := tr.Consume(); err == nil {
		t.Fatalf("expected exhaustion error on 4th request")
	}
}

func TestMonthlyLimitIndependentOfDaily(t *testing.T) {
	tr := NewTracker("acme", 0, 2)

	if err := tr.Consume(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Consume(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Consume(); err == nil {
		t.Fatalf("expected monthly exhaustion")
	}
}

func TestUnmeteredWhenBothZero(t *testing.T) {
	tr := NewTracker("acme", 0, 0)
	for i := 0; i < 1000; i++ {
		if err := tr.Consume(); err != nil {
			t.Fatalf("unmetered tracker should never exhaust: %v", err)
		}
	}
}

func TestManagerUnregisteredProviderUnmetered(t *testing.T) {
	m := NewManager()
	if err := m.Consume("unknown"); err != nil {
		t.Fatalf("unregistered provider should be unmetered: %v", err)
	}
}
