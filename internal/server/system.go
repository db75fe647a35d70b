package server

import (
	"context"
	"net/http"
	"runtime"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// systemStats reports load on the relay host.
type systemStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	Goroutines int     `json:"goroutines"`
	Streams    int     `json:"streams"`
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	stats, err := s.collectSystem(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) collectSystem(ctx context.Context) (systemStats, error) {
	st := systemStats{
		Goroutines: runtime.NumGoroutine(),
		Streams:    len(s.deps.Streams.List()),
	}
	// Interval 0 compares against the previous call instead of sleeping.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return st, err
	}
	if len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return st, err
	}
	st.RAMPercent = vm.UsedPercent
	return st, nil
}
