package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/types"
)

const maxHistoryRange = 7 * 24 * time.Hour

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.history == nil {
		writeJSONError(w, "history not available", http.StatusNotFound)
		return
	}
	start, end, err := s.parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	records, err := s.history.CommandHistory(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get command history", slog.Any("error", err))
		writeJSONError(w, "failed to get command history", http.StatusInternalServerError)
		return
	}

	if deviceID := r.URL.Query().Get("deviceID"); deviceID != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.DeviceID == deviceID {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []types.CommandRecord{}
	}

	// a range ending before today will not change anymore
	y, m, d := s.now().Date()
	if end.Before(time.Date(y, m, d, 0, 0, 0, 0, s.now().Location())) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	}
	writeJSON(w, records)
}

func (s *Server) parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := s.now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("start time must be before end time")
	}

	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %s", maxHistoryRange)
	}

	return start, end, nil
}
