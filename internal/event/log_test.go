package event

import (
	"testing"
	"time"
)

func TestLog_RingKeepsNewest(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Append(Event{ID: string(rune('a' + i))})
	}

	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}

	got := l.Recent(0)
	want := []string{"c", "d", "e"}
	for i, e := range got {
		if e.ID != want[i] {
			t.Errorf("Recent(0)[%d] = %q, want %q", i, e.ID, want[i])
		}
	}

	last := l.Recent(2)
	if len(last) != 2 || last[0].ID != "d" || last[1].ID != "e" {
		t.Errorf("Recent(2) = %v", last)
	}
}

func TestLog_Since(t *testing.T) {
	l := NewLog(10)
	base := time.Now()
	for i := 0; i < 4; i++ {
		l.Append(Event{ID: string(rune('a' + i)), TimeFired: base.Add(time.Duration(i) * time.Second)})
	}

	got := l.Since(base.Add(time.Second))
	if len(got) != 2 || got[0].ID != "c" {
		t.Errorf("Since() = %v", got)
	}
	if l.Since(base.Add(time.Hour)) != nil {
		t.Error("Since(future) should be empty")
	}
}

func TestLog_ZeroSize(t *testing.T) {
	l := NewLog(0)
	l.Append(Event{ID: "x"})
	if l.Len() != 0 || len(l.Recent(5)) != 0 {
		t.Error("zero-size log retained events")
	}
}

func TestLog_AttachRecordsBusTraffic(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	l := NewLog(10)
	l.Attach(bus)

	bus.Publish(New(TypeTimeChanged, nil, Context{}))
	waitFor(t, time.Second, func() bool { return l.Len() == 1 })
}
