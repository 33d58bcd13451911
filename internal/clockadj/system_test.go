package clockadj

import (
	"errors"
	"testing"
	"time"
)

func TestSystem_AdjustClock(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	var got time.Time
	s := &System{
		Now:  func() time.Time { return now },
		step: func(t time.Time) error { got = t; return nil },
	}
	if err := s.AdjustClock(1500); err != nil {
		t.Fatalf("AdjustClock: %v", err)
	}
	if want := now.Add(-1500 * time.Nanosecond); !got.Equal(want) {
		t.Errorf("шаг на %v, ожидалось %v", got, want)
	}
}

func TestSystem_AdjustFrequency(t *testing.T) {
	tests := []struct {
		ppb     float64
		wantPpm float64
	}{
		{ppb: 500, wantPpm: -0.5},
		{ppb: -250, wantPpm: 0.25},
		{ppb: 0, wantPpm: 0},
	}
	for _, tt := range tests {
		var got float64
		s := &System{setFreq: func(ppm float64) error { got = ppm; return nil }}
		if err := s.AdjustFrequency(tt.ppb); err != nil {
			t.Fatalf("AdjustFrequency(%v): %v", tt.ppb, err)
		}
		if got != tt.wantPpm {
			t.Errorf("AdjustFrequency(%v): ppm %v, ожидалось %v", tt.ppb, got, tt.wantPpm)
		}
	}
}

func TestSystem_Errors(t *testing.T) {
	boom := errors.New("EPERM")
	s := &System{
		Now:     time.Now,
		step:    func(time.Time) error { return boom },
		setFreq: func(float64) error { return boom },
	}
	if err := s.AdjustClock(1); !errors.Is(err, boom) {
		t.Errorf("AdjustClock: ожидалась обёрнутая ошибка, получено %v", err)
	}
	if err := s.AdjustFrequency(1); !errors.Is(err, boom) {
		t.Errorf("AdjustFrequency: ожидалась обёрнутая ошибка, получено %v", err)
	}
}
