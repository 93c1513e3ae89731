package syncstatus

import (
	"testing"
	"time"
)

func TestDerivePrecedence(t *testing.T) {
	failure := []Failure{{Collection: "tasks", ID: "t1", Message: "title is required"}}
	tests := []struct {
		name string
		in   Input
		want State
	}{
		{"idle", Input{Online: true}, Idle},
		{"syncing pending", Input{Online: true, Pending: 2}, Syncing},
		{"syncing in flight", Input{Online: true, InFlight: 1}, Syncing},
		{"offline beats syncing", Input{Online: false, Pending: 3}, Offline},
		{"offline empty", Input{}, Offline},
		{"error beats offline", Input{Online: false, Pending: 1, Failures: failure}, Error},
		{"auth is error", Input{Online: true, AuthRequired: true}, Error},
	}
	for _, tt := range tests {
		if got := Derive(tt.in); got != tt.want {
			t.Errorf("%s: Derive = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestPublisherSubscribe(t *testing.T) {
	p := NewPublisher()
	ch, cancel := p.Subscribe()
	defer cancel()

	if s := <-ch; s.State != Offline {
		t.Fatalf("initial = %s, want offline", s.State)
	}

	p.Update(Input{Online: true, Pending: 1})
	p.Update(Input{Online: true})

	select {
	case s := <-ch:
		if s.State != Idle {
			t.Errorf("latest = %s, want idle (intermediate values may be skipped)", s.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no status delivered")
	}

	p.Update(Input{Online: true})
	select {
	case s := <-ch:
		t.Errorf("unchanged status re-published: %+v", s)
	default:
	}
}

func TestHasUnsyncedAndCancel(t *testing.T) {
	p := NewPublisher()
	s := p.Update(Input{Online: false, Pending: 2})
	if !s.HasUnsynced() || !p.Current().HasUnsynced() {
		t.Error("HasUnsynced = false with pending writes")
	}
	ch, cancel := p.Subscribe()
	cancel()
	cancel()
	<-ch // current value
	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	p.Update(Input{Online: true})
}
