package usage_test

import (
	"errors"
	"testing"

	"github.com/artpar/meterd/domain/usage"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in      string
		want    usage.Period
		wantErr bool
	}{
		{"hour", usage.PeriodHour, false},
		{"today", usage.PeriodToday, false},
		{"month", usage.PeriodMonth, false},
		{"", usage.PeriodToday, false},
		{"week", "", true},
		{"HOUR", "", true},
	}

	for _, tt := range tests {
		got, err := usage.ParsePeriod(tt.in)
		if tt.wantErr {
			if !errors.Is(err, usage.ErrInvalidPeriod) {
				t.Errorf("ParsePeriod(%q) error = %v, want ErrInvalidPeriod", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePeriod(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePeriod(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestComputeLimits(t *testing.T) {
	tests := []struct {
		name          string
		used, limit   int64
		wantRemaining int64
		wantPercent   int
	}{
		{"under limit", 400, 1000, 600, 40},
		{"at limit", 1000, 1000, 0, 100},
		{"over limit clamps remaining", 1500, 1000, 0, 150},
		{"unlimited", 400, -1, -1, 0},
		{"zero limit is unlimited", 400, 0, -1, 0},
		{"rounds percent", 333, 1000, 667, 33},
		{"rounds percent up", 335, 1000, 665, 34},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := usage.ComputeLimits(tt.used, tt.limit)
			if l.Used != tt.used {
				t.Errorf("Used = %d, want %d", l.Used, tt.used)
			}
			if l.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", l.Remaining, tt.wantRemaining)
			}
			if l.PercentUsed != tt.wantPercent {
				t.Errorf("PercentUsed = %d, want %d", l.PercentUsed, tt.wantPercent)
			}
		})
	}
}

func TestErrorRate(t *testing.T) {
	tests := []struct {
		name              string
		errors, requests  int64
		want              float64
	}{
		{"no requests", 0, 0, 0},
		{"no errors", 0, 100, 0},
		{"simple", 5, 100, 5},
		{"two decimals", 1, 3, 33.33},
		{"all errors", 10, 10, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := usage.ErrorRate(tt.errors, tt.requests); got != tt.want {
				t.Errorf("ErrorRate(%d, %d) = %v, want %v", tt.errors, tt.requests, got, tt.want)
			}
		})
	}
}

func TestMeanLatency(t *testing.T) {
	tests := []struct {
		name    string
		samples []int64
		want    int64
	}{
		{"empty", nil, 0},
		{"single", []int64{50}, 50},
		{"rounds", []int64{50, 120, 80}, 83},
		{"rounds half up", []int64{1, 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := usage.MeanLatency(tt.samples); got != tt.want {
				t.Errorf("MeanLatency(%v) = %d, want %d", tt.samples, got, tt.want)
			}
		})
	}
}
