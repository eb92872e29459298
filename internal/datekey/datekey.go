// Package datekey produces the canonical YYYY-MM-DD day keys used by every
// event, projection and streak walk. All producers must share one Provider
// so that a given instant always lands on the same key.
package datekey

import (
	"fmt"
	"time"
)

// Layout is the date key format
const Layout = "2006-01-02"

// Provider maps instants to calendar days in a single location
type Provider struct {
	loc *time.Location
}

// New returns a provider for loc. A nil loc means UTC.
func New(loc *time.Location) *Provider {
	if loc == nil {
		loc = time.UTC
	}
	return &Provider{loc: loc}
}

// Load returns a provider for an IANA zone name such as "Europe/London".
// An empty name selects the host's local zone.
func Load(name string) (*Provider, error) {
	if name == "" {
		return New(time.Local), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
	}
	return New(loc), nil
}

// Location returns the provider's location
func (p *Provider) Location() *time.Location {
	return p.loc
}

// Key returns the day key of t
func (p *Provider) Key(t time.Time) string {
	return t.In(p.loc).Format(Layout)
}

// Today returns the day key of the current instant
func (p *Provider) Today() string {
	return p.Key(time.Now())
}

// Parse returns midnight of the keyed day in the provider's location
func (p *Provider) Parse(key string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, key, p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t, nil
}

// AddDays shifts a key by n calendar days. Calendar arithmetic is done in
// UTC so that DST transitions never skip or repeat a day.
func AddDays(key string, n int) (string, error) {
	t, err := time.Parse(Layout, key)
	if err != nil {
		return "", fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t.AddDate(0, 0, n).Format(Layout), nil
}

// Weekday returns the day of the week of a key
func Weekday(key string) (time.Weekday, error) {
	t, err := time.Parse(Layout, key)
	if err != nil {
		return 0, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t.Weekday(), nil
}

// Valid reports whether key is a well-formed date key
func Valid(key string) bool {
	t, err := time.Parse(Layout, key)
	return err == nil && t.Format(Layout) == key
}

// YearMonth returns the yyyy-MM prefix of a key
func YearMonth(key string) string {
	if len(key) < 7 {
		return key
	}
	return key[:7]
}
