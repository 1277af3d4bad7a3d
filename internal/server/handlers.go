package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/beacon/internal/presence"
	"github.com/haasonsaas/beacon/internal/ratelimit"
	"github.com/haasonsaas/beacon/internal/relay"
)

// handleIndex describes the API surface so clients can self-serve.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "endpoint not found",
			"details": "the endpoint " + r.Method + " " + r.URL.Path + " does not exist",
		})
		return
	}
	keys := make([]string, 0, len(presence.ValidChangeKeys))
	for _, key := range presence.ValidChangeKeys {
		keys = append(keys, string(key))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "beacon",
		"version":     "1.0.0",
		"description": "Discord presence relay: live push over WebSocket, cached pull over REST",
		"endpoints": map[string]string{
			"health": "/health",
			"user":   "/user/:userId",
		},
		"websocket": map[string]any{
			"path": "/ws",
			"events": map[string]string{
				"subscribe":         "subscribe to user updates with optional filters",
				"subscribeActivity": "subscribe to a specific activity by name or type",
				"unsubscribe":       "drop the current subscription",
				"userUpdate":        "receive user snapshots as they change",
				"activityUpdate":    "receive activity-scoped updates",
				"error":             "receive structured error payloads",
			},
			"updateTypes": keys,
		},
	})
}

// handleHealth reports upstream and relay health. The payload is recomputed
// at most once per healthCacheTTL so probes cannot hammer the hub.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.healthMu.Lock()
	now := time.Now()
	if s.healthPayload == nil || now.Sub(s.healthAt) >= healthCacheTTL {
		status := "online"
		if !s.upstream.Ready() {
			status = "degraded"
		}
		s.healthPayload = map[string]any{
			"status":        status,
			"upstreamReady": s.upstream.Ready(),
			"uptime":        int64(now.Sub(s.startedAt).Seconds()),
			"connections":   s.hub.ConnCount(),
			"subscriptions": s.hub.SubscriptionCount(),
			"cachedUsers":   s.snapshots.Len(),
			"trackedUsers":  s.upstream.MemberCount(),
		}
		s.healthAt = now
	}
	payload := s.healthPayload
	s.healthMu.Unlock()

	writeJSON(w, http.StatusOK, payload)
}

// handleUser is the REST pull path: rate-limited, cache-backed snapshot reads.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	key := ratelimit.ClientKey(r.RemoteAddr)
	if !s.limiter.Allow(key) {
		retry := s.limiter.RetryAfter(key)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":   "Too many requests",
			"details": "Please try again later",
		})
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/user/")
	snap, err := s.hub.GetSnapshot(r.Context(), userID)
	if err != nil {
		code := relay.GetErrorCode(err)
		s.logger.Warn(r.Context(), "snapshot pull failed", "user_id", userID, "code", string(code))
		writeJSON(w, relay.HTTPStatus(code), relay.AsPayload(err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
