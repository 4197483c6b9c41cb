package netstable

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultDenyDomains are advertising and tracking hosts whose requests never
// count as pending.
var DefaultDenyDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googletagmanager.com",
	"google-analytics.com",
	"googleadservices.com",
	"adservice.google.com",
	"amazon-adsystem.com",
	"adnxs.com",
	"criteo.com",
	"taboola.com",
	"outbrain.com",
	"scorecardresearch.com",
	"facebook.net",
	"hotjar.com",
	"quantserve.com",
}

// DenyList matches request hosts against domain patterns. A pattern matches
// the domain itself and every subdomain of it.
type DenyList struct {
	patterns []string
	globs    []glob.Glob
}

// NewDenyList compiles the domain patterns. Patterns may carry glob
// wildcards, where * stays inside one label and ** spans labels.
func NewDenyList(domains []string) (*DenyList, error) {
	d := &DenyList{}
	for _, raw := range domains {
		domain := strings.ToLower(strings.Trim(strings.TrimSpace(raw), "."))
		if domain == "" {
			continue
		}
		g, err := glob.Compile("{"+domain+",**."+domain+"}", '.')
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", raw, err)
		}
		d.patterns = append(d.patterns, domain)
		d.globs = append(d.globs, g)
	}
	return d, nil
}

// Patterns returns the normalized domain patterns.
func (d *DenyList) Patterns() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.patterns...)
}

// MatchHost reports whether host is deny-listed.
func (d *DenyList) MatchHost(host string) bool {
	if d == nil || host == "" {
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, g := range d.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// MatchURL reports whether the host of rawURL is deny-listed. Unparseable
// URLs never match.
func (d *DenyList) MatchURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return d.MatchHost(u.Hostname())
}
