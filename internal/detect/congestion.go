package detect

import (
	"context"
	"strings"
	"sync"
)

// CongestionSource reports a congestion level in [0,1] for a port code.
type CongestionSource interface {
	Level(ctx context.Context, port string) (float64, error)
}

var defaultCongestion = map[string]float64{
	"CNSHA": 0.8,
	"USLAX": 0.7,
	"SGSIN": 0.4,
	"NLRTM": 0.6,
}

// StaticCongestion serves congestion levels from an in-memory table. Ports
// not in the table report Fallback.
type StaticCongestion struct {
	mu       sync.RWMutex
	levels   map[string]float64
	Fallback float64
}

func NewStaticCongestion(overrides map[string]float64) *StaticCongestion {
	levels := make(map[string]float64, len(defaultCongestion)+len(overrides))
	for port, level := range defaultCongestion {
		levels[port] = level
	}
	for port, level := range overrides {
		levels[strings.ToUpper(port)] = clamp01(level)
	}
	return &StaticCongestion{levels: levels, Fallback: 0.3}
}

func (s *StaticCongestion) Level(_ context.Context, port string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if level, ok := s.levels[strings.ToUpper(port)]; ok {
		return level, nil
	}
	return s.Fallback, nil
}

func (s *StaticCongestion) Set(port string, level float64) {
	s.mu.Lock()
	s.levels[strings.ToUpper(port)] = clamp01(level)
	s.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
