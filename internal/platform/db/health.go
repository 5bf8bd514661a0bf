package db

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is the connection pool section of the readiness report.
type PoolStats struct {
	Total           int32  `json:"total"`
	Idle            int32  `json:"idle"`
	Acquired        int32  `json:"acquired"`
	Max             int32  `json:"max"`
	EmptyAcquires   int64  `json:"empty_acquires"`
	AcquireDuration string `json:"acquire_duration"`
}

// Exhausted reports whether every connection is checked out, in which
// case coordinator writes queue behind one another.
func (p PoolStats) Exhausted() bool {
	return p.Max > 0 && p.Acquired >= p.Max
}

func Stats(pool *pgxpool.Pool) PoolStats {
	st := pool.Stat()
	return PoolStats{
		Total:           st.TotalConns(),
		Idle:            st.IdleConns(),
		Acquired:        st.AcquiredConns(),
		Max:             st.MaxConns(),
		EmptyAcquires:   st.EmptyAcquireCount(),
		AcquireDuration: st.AcquireDuration().String(),
	}
}
