package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"eventd/internal/model"
	"eventd/internal/recur"
	logx "eventd/pkg/logx"
)

var errNotFound = errors.New("event not found")

type createRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Recurrence  string `json:"recurrence"`
}

type updateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	StartTime   *string `json:"start_time"`
	EndTime     *string `json:"end_time"`
	Recurrence  *string `json:"recurrence"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeMessage(w, http.StatusBadRequest, "title is required")
		return
	}
	if strings.TrimSpace(req.StartTime) == "" || strings.TrimSpace(req.EndTime) == "" {
		writeMessage(w, http.StatusBadRequest, "start_time and end_time are required")
		return
	}
	rec, err := model.ParseRecurrence(req.Recurrence)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := model.Event{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Recurrence:  rec,
		Notified:    false,
	}

	// An inverted window is accepted (validation policy: keep, don't
	// reject), but it is worth a trace in the log.
	if start, _, err1 := model.ParseTime(ev.StartTime); err1 == nil {
		if end, _, err2 := model.ParseTime(ev.EndTime); err2 == nil && end.Before(start) {
			s.log.Debug("event created with end_time before start_time", logx.String("id", ev.ID))
		}
	}

	err = s.st.Mutate(r.Context(), func(events []model.Event) ([]model.Event, error) {
		return append(events, ev), nil
	})
	if err != nil {
		s.log.Error("create failed", logx.Err(err))
		writeMessage(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Event created", "event": ev})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	titleQ := strings.ToLower(r.URL.Query().Get("title"))
	descQ := strings.ToLower(r.URL.Query().Get("description"))

	events, err := s.st.Load(r.Context())
	if err != nil {
		s.log.Error("list failed", logx.Err(err))
		writeMessage(w, http.StatusInternalServerError, "storage error")
		return
	}
	notified, err := s.st.Notified(r.Context())
	if err != nil {
		s.log.Error("list failed", logx.Err(err))
		writeMessage(w, http.StatusInternalServerError, "storage error")
		return
	}

	occs := recur.ExpandAll(events, s.expandHorizon(), func(err error) {
		s.log.Warn("skipping event in listing", logx.Err(err))
	})

	out := make([]model.Occurrence, 0, len(occs))
	for _, occ := range occs {
		if titleQ != "" && !strings.Contains(strings.ToLower(occ.Title), titleQ) {
			continue
		}
		if descQ != "" && !strings.Contains(strings.ToLower(occ.Description), descQ) {
			continue
		}
		// Surface delivery state per occurrence, not per template.
		occ.Notified = notified[occ.Key()]
		out = append(out, occ)
	}

	// ISO-8601 strings sort chronologically; ties keep template order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime < out[j].StartTime
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var rec model.Recurrence
	if req.Recurrence != nil {
		var err error
		rec, err = model.ParseRecurrence(*req.Recurrence)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var updated model.Event
	err := s.st.Mutate(r.Context(), func(events []model.Event) ([]model.Event, error) {
		for i := range events {
			if events[i].ID != id {
				continue
			}
			if req.Title != nil {
				events[i].Title = *req.Title
			}
			if req.Description != nil {
				events[i].Description = *req.Description
			}
			if req.StartTime != nil {
				events[i].StartTime = *req.StartTime
			}
			if req.EndTime != nil {
				events[i].EndTime = *req.EndTime
			}
			if req.Recurrence != nil {
				events[i].Recurrence = rec
			}
			updated = events[i]
			return events, nil
		}
		return nil, errNotFound
	})
	if errors.Is(err, errNotFound) {
		writeMessage(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		s.log.Error("update failed", logx.String("id", id), logx.Err(err))
		writeMessage(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Event updated", "event": updated})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.st.Mutate(r.Context(), func(events []model.Event) ([]model.Event, error) {
		kept := events[:0]
		for _, ev := range events {
			if ev.ID != id {
				kept = append(kept, ev)
			}
		}
		if len(kept) == len(events) {
			return nil, errNotFound
		}
		return kept, nil
	})
	if errors.Is(err, errNotFound) {
		writeMessage(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		s.log.Error("delete failed", logx.String("id", id), logx.Err(err))
		writeMessage(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Event deleted"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}
