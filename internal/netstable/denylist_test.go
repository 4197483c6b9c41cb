package netstable

import "testing"

func TestDenyListMatchesDomainAndSubdomains(t *testing.T) {
	d, err := NewDenyList([]string{"doubleclick.net", " .Tracker.Example. ", "ads.*.test"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cases := map[string]bool{
		"https://doubleclick.net/x":                   true,
		"https://securepubads.g.doubleclick.net/tag":  true,
		"https://notdoubleclick.net/":                 false,
		"https://doubleclick.net.example.com/":        false,
		"https://cdn.tracker.example/pixel.gif":       true,
		"https://ads.foo.test/a":                      true,
		"https://ads.foo.bar.test/a":                  false,
		"https://example.com/?ref=doubleclick.net":    false,
		"https://DOUBLECLICK.NET./":                   true,
		"data:text/plain,hello":                       false,
		"::not a url":                                 false,
	}
	for raw, want := range cases {
		if got := d.MatchURL(raw); got != want {
			t.Fatalf("MatchURL(%q) = %v, want %v", raw, got, want)
		}
	}
	if got := d.Patterns(); len(got) != 3 || got[1] != "tracker.example" {
		t.Fatalf("unexpected patterns %v", got)
	}
}

func TestNilDenyListMatchesNothing(t *testing.T) {
	var d *DenyList
	if d.MatchHost("doubleclick.net") {
		t.Fatalf("expected nil list to match nothing")
	}
}
