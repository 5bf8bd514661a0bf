package db

import "testing"

func TestPoolStats_Exhausted(t *testing.T) {
	tests := []struct {
		name  string
		stats PoolStats
		want  bool
	}{
		{"idle pool", PoolStats{Total: 4, Idle: 4, Max: 20}, false},
		{"busy but not full", PoolStats{Total: 20, Acquired: 19, Max: 20}, false},
		{"all checked out", PoolStats{Total: 20, Acquired: 20, Max: 20}, true},
		{"unsized", PoolStats{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.Exhausted(); got != tt.want {
				t.Errorf("Exhausted() = %v, want %v", got, tt.want)
			}
		})
	}
}
