package datekey

import (
	"testing"
	"time"
)

func TestKeyUsesProviderLocation(t *testing.T) {
	tokyo, err := Load("Asia/Tokyo")
	if err != nil {
		t.Fatalf("Failed to load zone: %v", err)
	}

	// 20:00 UTC on the 9th is already the 10th in Tokyo
	instant := time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC)

	if got := New(nil).Key(instant); got != "2024-03-09" {
		t.Errorf("Expected UTC key 2024-03-09, got %s", got)
	}
	if got := tokyo.Key(instant); got != "2024-03-10" {
		t.Errorf("Expected Tokyo key 2024-03-10, got %s", got)
	}
}

func TestLoadUnknownZone(t *testing.T) {
	if _, err := Load("Not/AZone"); err == nil {
		t.Error("Expected error for unknown zone")
	}
}

func TestAddDays(t *testing.T) {
	tests := []struct {
		key  string
		n    int
		want string
	}{
		{"2024-03-10", -1, "2024-03-09"},
		{"2024-03-01", -1, "2024-02-29"},
		{"2023-12-31", 1, "2024-01-01"},
		{"2024-03-31", -365, "2023-04-01"},
	}

	for _, tt := range tests {
		got, err := AddDays(tt.key, tt.n)
		if err != nil {
			t.Fatalf("AddDays(%s, %d) failed: %v", tt.key, tt.n, err)
		}
		if got != tt.want {
			t.Errorf("AddDays(%s, %d) = %s, want %s", tt.key, tt.n, got, tt.want)
		}
	}

	if _, err := AddDays("yesterday", 1); err == nil {
		t.Error("Expected error for malformed key")
	}
}

func TestWeekday(t *testing.T) {
	d, err := Weekday("2024-03-10")
	if err != nil {
		t.Fatalf("Weekday failed: %v", err)
	}
	if d != time.Sunday {
		t.Errorf("Expected Sunday, got %s", d)
	}
}

func TestValidAndYearMonth(t *testing.T) {
	if !Valid("2024-02-29") {
		t.Error("Expected leap day to be valid")
	}
	for _, key := range []string{"2023-02-29", "2024-3-1", "", "2024-03-10T00:00"} {
		if Valid(key) {
			t.Errorf("Expected %q to be invalid", key)
		}
	}
	if got := YearMonth("2024-03-10"); got != "2024-03" {
		t.Errorf("Expected 2024-03, got %s", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	p, err := Load("America/New_York")
	if err != nil {
		t.Fatalf("Failed to load zone: %v", err)
	}
	midnight, err := p.Parse("2024-03-10")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := p.Key(midnight); got != "2024-03-10" {
		t.Errorf("Expected 2024-03-10, got %s", got)
	}
}
