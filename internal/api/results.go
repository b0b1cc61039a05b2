package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/result"
	"github.com/IItheshadowII/LatencyLens/internal/store"
)

const defaultMaxBody = 1 << 20

type healthResponse struct {
	Ok        bool   `json:"ok"`
	Timestamp string `json:"timestamp"`
}

type ipResponse struct {
	IP      string `json:"ip"`
	Country string `json:"country,omitempty"`
	ASN     uint   `json:"asn,omitempty"`
	Org     string `json:"org,omitempty"`
}

type submitResponse struct {
	Ok bool  `json:"ok"`
	ID int64 `json:"id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Ok: true, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleIP(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	resp := ipResponse{IP: ip}
	if s.geo.Enabled() {
		info, err := s.geo.Lookup(net.ParseIP(ip))
		if err != nil {
			s.logger.Debug("geoip lookup failed", "ip", ip, "error", err)
		} else {
			resp.Country, resp.ASN, resp.Org = info.Country, info.ASN, info.Org
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Server.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var res result.TestResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.IncRejected("too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Payload too large"})
			return
		}
		s.metrics.IncRejected("malformed")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload", Details: err.Error()})
		return
	}
	ep, err := endpoint.Parse(res.Cloud)
	if err != nil {
		s.metrics.IncRejected("cloud")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid cloud URL"})
		return
	}
	res.Cloud = ep.String()
	res.IP = s.clientIP(r)
	if err := result.Validate(res); err != nil {
		s.metrics.IncRejected("validation")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload", Details: err.Error()})
		return
	}
	rec, err := s.persist(r.Context(), res)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{Ok: true, ID: rec.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := store.Query{
		Page:     atoiOr(values.Get("page"), 1),
		PageSize: atoiOr(values.Get("pageSize"), store.DefaultPageSize),
	}
	if raw := values.Get("cloud"); raw != "" {
		ep, err := endpoint.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid cloud URL"})
			return
		}
		q.Cloud = ep.String()
	}
	page, err := s.store.List(r.Context(), q.Normalize())
	if err != nil {
		s.logger.Error("list results failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if page.Data == nil {
		page.Data = []store.Record{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.metrics.Handler(w, r)
}

// persist stores res, updates metrics, notifies stream subscribers and
// publishes the record in the background.
func (s *Server) persist(ctx context.Context, res result.TestResult) (store.Record, error) {
	rec, err := s.store.Insert(ctx, res)
	if err != nil {
		s.logger.Error("store result failed", "cloud", res.Cloud, "error", err)
		return store.Record{}, err
	}
	s.metrics.IncStored()
	s.metrics.RecordResult(rec.TestResult)
	s.hub.Broadcast(streamMessage{Type: "result_stored", Record: &rec})
	s.logger.Info("result stored", "id", rec.ID, "cloud", rec.Cloud, "classification", rec.Classification)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.publisher.Publish(pubCtx, rec); err != nil {
			s.metrics.IncPublishFailure()
			s.logger.Warn("publish result failed", "id", rec.ID, "error", err)
		}
	}()
	return rec, nil
}

func atoiOr(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
