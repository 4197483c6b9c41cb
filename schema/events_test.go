package schema

import (
	"sort"
	"testing"
)

func TestEventKindsClosedSet(t *testing.T) {
	kinds := EventKinds()
	if len(kinds) != 13 {
		t.Fatalf("expected 13 event kinds, got %d", len(kinds))
	}
	if !sort.SliceIsSorted(kinds, func(i, j int) bool { return kinds[i] < kinds[j] }) {
		t.Fatalf("expected sorted kinds, got %v", kinds)
	}
	for _, kind := range kinds {
		if !kind.Valid() {
			t.Fatalf("kind %q not valid", kind)
		}
	}
	if EventKind("tab_moved").Valid() {
		t.Fatalf("unknown kind reported valid")
	}
}

func TestConstructorsStampKindAndPayload(t *testing.T) {
	ev := NewTabClosing("t1", "https://example.com/")
	if ev.Kind != EventTabClosing || ev.Target.ID != "t1" || ev.Target.URL != "https://example.com/" {
		t.Fatalf("unexpected tab_closing %+v", ev)
	}
	if ev.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be stamped")
	}

	nav := NewNavigate("about:blank", true)
	if nav.Kind != EventNavigate || !nav.Navigate.NewTab || nav.Navigate.TargetID != "" {
		t.Fatalf("unexpected navigate %+v", nav)
	}
	bound := NewNavigateTarget("t2", "https://example.com/")
	if bound.Navigate.TargetID != "t2" || bound.Navigate.NewTab {
		t.Fatalf("unexpected bound navigate %+v", bound)
	}

	launch := NewLaunchRequested(BrowserProfile{Headless: true})
	if launch.Kind != EventLaunchRequested || !launch.Launch.Profile.Headless {
		t.Fatalf("unexpected launch %+v", launch)
	}
}

func TestNetworkEventDefaultsTimestamp(t *testing.T) {
	ev := NewNetworkEvent(EventRequestStarted, NetworkRequest{TargetID: "t1", RequestID: "r1"})
	if !ev.Network.At.Equal(ev.CreatedAt) {
		t.Fatalf("expected At to default to CreatedAt, got %v vs %v", ev.Network.At, ev.CreatedAt)
	}
}
