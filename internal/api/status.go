// Package api exposes the operator HTTP surface: a read-only status
// endpoint (today's send count against the daily cap, sequence progress,
// recent delivery outcomes) and the unsubscribe link target that footer
// links in outgoing mail point at.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/treeline/mailflow/internal/pkg/logger"
	"github.com/treeline/mailflow/internal/scheduler"
	"github.com/treeline/mailflow/internal/store"
)

// StatusStore is the slice of the store the endpoints need.
type StatusStore interface {
	Stats(ctx context.Context) (store.SequenceStats, error)
	SentCountSince(ctx context.Context, since time.Time) (int, error)
	RecentOutcomes(ctx context.Context, limit int) ([]store.LogEntry, error)
	AddUnsubscribe(ctx context.Context, email, reason string) error
}

// Server serves the status API.
type Server struct {
	store      StatusStore
	hours      scheduler.Hours
	dailyLimit int
}

// NewServer creates the status API server.
func NewServer(st StatusStore, hours scheduler.Hours, dailyLimit int) *Server {
	return &Server{store: st, hours: hours, dailyLimit: dailyLimit}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/unsubscribe", s.handleUnsubscribe)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	SentToday          int       `json:"sent_today"`
	DailyLimit         int       `json:"daily_limit"`
	RemainingToday     int       `json:"remaining_today"`
	WithinHours        bool      `json:"within_business_hours"`
	NextWindowOpensAt  time.Time `json:"next_window_opens_at"`
	ActiveSubscribers  int       `json:"active_subscribers"`
	CompletedSequences int       `json:"completed_sequences"`
	PendingEmails      int       `json:"pending_emails"`
	RecentOutcomes     []outcome `json:"recent_outcomes"`
}

type outcome struct {
	Email   string    `json:"email"`
	Subject string    `json:"subject"`
	Status  string    `json:"status"`
	SentAt  time.Time `json:"sent_at"`
}

const recentOutcomeLimit = 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	sentToday, err := s.store.SentCountSince(ctx, s.hours.StartOfDay(now))
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := statusResponse{
		SentToday:         sentToday,
		DailyLimit:        s.dailyLimit,
		RemainingToday:    max(0, s.dailyLimit-sentToday),
		WithinHours:       s.hours.Contains(now),
		NextWindowOpensAt: s.hours.NextOpen(now),
	}

	if stats, err := s.store.Stats(ctx); err == nil {
		resp.ActiveSubscribers = stats.ActiveSubscribers
		resp.CompletedSequences = stats.CompletedSequences
		resp.PendingEmails = stats.PendingEmails
	} else {
		log.Printf("[StatusAPI] Failed to load sequence stats: %v", err)
	}

	if recent, err := s.store.RecentOutcomes(ctx, recentOutcomeLimit); err == nil {
		resp.RecentOutcomes = make([]outcome, 0, len(recent))
		for _, e := range recent {
			resp.RecentOutcomes = append(resp.RecentOutcomes, outcome{
				Email:   e.RecipientEmail,
				Subject: e.Subject,
				Status:  e.Status,
				SentAt:  e.SentAt,
			})
		}
	} else {
		log.Printf("[StatusAPI] Failed to load recent outcomes: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		http.Error(w, "missing email parameter", http.StatusBadRequest)
		return
	}

	if err := s.store.AddUnsubscribe(r.Context(), email, "link"); err != nil {
		log.Printf("[StatusAPI] Failed to record unsubscribe for %s: %v", logger.RedactEmail(email), err)
		http.Error(w, "could not process unsubscribe", http.StatusInternalServerError)
		return
	}

	log.Printf("[StatusAPI] Unsubscribed %s", logger.RedactEmail(email))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("You have been unsubscribed and will not receive further emails.\n"))
}
