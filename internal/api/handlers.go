package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ore-agent/internal/metrics"
	"ore-agent/internal/storage"
)

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.opts.Stream != nil {
		body["stream_healthy"] = s.opts.Stream.IsHealthy()
	}
	c.JSON(http.StatusOK, body)
}

// status handles GET /api/v1/status
func (s *Server) status(c *gin.Context) {
	if s.opts.Status == nil {
		abort(c, http.StatusServiceUnavailable, "NOT_READY", "scheduler not started")
		return
	}
	st := s.opts.Status.Status()
	resp := StatusResponse{
		RoundID:          st.RoundID,
		EndSlot:          st.EndSlot,
		CurrentSlot:      st.CurrentSlot,
		RemainingSlots:   st.RemainingSlots,
		AttemptThreshold: st.AttemptThreshold,
		Placed:           st.Placed,
		UpdatedAt:        st.UpdatedAt,
	}
	if o := st.LastOutcome; o != nil {
		resp.LastAttempt = &AttemptInfo{
			RoundID:    o.RoundID,
			Placed:     o.Placed,
			Planned:    o.Planned,
			Completed:  o.Completed,
			Source:     string(o.Source),
			Skip:       o.Skip,
			FinishSlot: o.FinishSlot,
			FinishedAt: o.FinishedAt,
		}
	}
	if s.opts.Stream != nil {
		stats := s.opts.Stream.Stats()
		resp.Stream = &StreamInfo{
			RoundID:       stats.RoundID,
			State:         string(stats.State),
			Active:        stats.Active,
			Healthy:       s.opts.Stream.IsHealthy(),
			TotalUpdates:  stats.TotalUpdates,
			MissedUpdates: stats.MissedUpdates,
			CacheAgeMs:    stats.CacheAge.Milliseconds(),
		}
	}
	if s.opts.Latency != nil {
		snap := s.opts.Latency.Snapshot()
		resp.Latency = &LatencyInfo{
			Initialized:        snap.Initialized,
			PrepMs:             snap.PrepMs,
			PrepP95Ms:          snap.PrepP95Ms,
			ExecPerPlacementMs: snap.ExecPerPlacementMs,
			ExecP95Ms:          snap.ExecP95Ms,
		}
	}
	if s.opts.Price != nil {
		if q := s.opts.Price.Price(); q != nil {
			resp.Price = &PriceInfo{SolPerOre: q.SolPerOre, NetSolPerOre: q.NetSolPerOre, FetchedAt: q.FetchedAt}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// rounds handles GET /api/v1/rounds?limit=N
func (s *Server) rounds(c *gin.Context) {
	if s.opts.Outcomes == nil {
		abort(c, http.StatusNotFound, "NOT_TRACKED", "round outcomes are not persisted")
		return
	}
	limit := DefaultRoundsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, "INVALID_PARAM", "limit must be a positive integer")
			return
		}
		limit = min(n, MaxRoundsLimit)
	}

	outcomes, err := s.opts.Outcomes.Recent(c.Request.Context(), limit)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("load outcomes failed", "error", err)
		abort(c, http.StatusInternalServerError, "STORE_ERROR", "failed to load round outcomes")
		return
	}

	resp := RoundsResponse{Rounds: make([]RoundOutcome, 0, len(outcomes)), Count: len(outcomes)}
	for _, o := range outcomes {
		resp.Rounds = append(resp.Rounds, toRoundOutcome(o))
	}
	if len(outcomes) > 0 {
		resp.Summary = metrics.Summarize(outcomes)
	}
	c.JSON(http.StatusOK, resp)
}
