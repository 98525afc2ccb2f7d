package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nodenexus/nodenexus/pkg/types"
)

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	var tags []*types.Tag
	err := s.do(r, func() error {
		var err error
		tags, err = s.Store.ListTagsByUser(userID(r))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) createTag(w http.ResponseWriter, r *http.Request) {
	var tag types.Tag
	if err := decodeJSON(r, &tag); err != nil {
		writeError(w, err)
		return
	}
	if tag.Name == "" {
		writeError(w, fmt.Errorf("name required: %w", types.ErrInvalidInput))
		return
	}
	tag.UserID = userID(r)
	if err := s.do(r, func() error { return s.Store.CreateTag(&tag) }); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &tag)
}

func (s *Server) ownedTag(r *http.Request, id int64) (*types.Tag, error) {
	var tag *types.Tag
	err := s.do(r, func() error {
		var err error
		tag, err = s.Store.GetTag(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if tag.UserID != userID(r) {
		return nil, fmt.Errorf("tag %d: %w", id, types.ErrForbidden)
	}
	return tag, nil
}

func (s *Server) updateTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	existing, err := s.ownedTag(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var tag types.Tag
	if err := decodeJSON(r, &tag); err != nil {
		writeError(w, err)
		return
	}
	tag.ID = id
	tag.UserID = existing.UserID
	if err := s.do(r, func() error { return s.Store.UpdateTag(&tag) }); err != nil {
		writeError(w, err)
		return
	}
	// Visibility changes alter the public view.
	s.Push.ServerListChanged()
	writeJSON(w, http.StatusOK, &tag)
}

func (s *Server) deleteTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedTag(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.do(r, func() error { return s.Store.DeleteTag(id) }); err != nil {
		writeError(w, err)
		return
	}
	s.Push.ServerListChanged()
	writeJSON(w, http.StatusNoContent, nil)
}

type monitorRequest struct {
	types.ServiceMonitor
	HostIDs []int64 `json:"host_ids"`
	TagIDs  []int64 `json:"tag_ids"`
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	var monitors []*types.ServiceMonitor
	err := s.do(r, func() error {
		var err error
		monitors, err = s.Store.ListMonitorsByUser(userID(r))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, monitors)
}

func (s *Server) createMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m := req.ServiceMonitor
	m.UserID = userID(r)
	err := s.do(r, func() error {
		return s.Monitors.Create(&m, &types.MonitorAssignments{HostIDs: req.HostIDs, TagIDs: req.TagIDs})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &m)
}

func (s *Server) ownedMonitor(r *http.Request, id int64) (*types.ServiceMonitor, error) {
	var m *types.ServiceMonitor
	err := s.do(r, func() error {
		var err error
		m, err = s.Store.GetMonitor(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.UserID != userID(r) {
		return nil, fmt.Errorf("monitor %d: %w", id, types.ErrForbidden)
	}
	return m, nil
}

func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := s.ownedMonitor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var assign *types.MonitorAssignments
	if err := s.do(r, func() error {
		var err error
		assign, err = s.Store.MonitorAssignments(id)
		return err
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"monitor":  m,
		"host_ids": assign.HostIDs,
		"tag_ids":  assign.TagIDs,
	})
}

func (s *Server) updateMonitor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	existing, err := s.ownedMonitor(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req monitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m := req.ServiceMonitor
	m.ID = id
	m.UserID = existing.UserID
	err = s.do(r, func() error {
		return s.Monitors.Update(&m, &types.MonitorAssignments{HostIDs: req.HostIDs, TagIDs: req.TagIDs})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &m)
}

func (s *Server) deleteMonitor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedMonitor(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.do(r, func() error { return s.Monitors.Delete(id) }); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) monitorTimeseries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedMonitor(r, id); err != nil {
		writeError(w, err)
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bucket := time.Minute
	if raw := r.URL.Query().Get("bucket_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeError(w, fmt.Errorf("bucket_seconds %q: %w", raw, types.ErrInvalidInput))
			return
		}
		bucket = time.Duration(secs) * time.Second
	}

	var points []*types.MonitorPoint
	err = s.do(r, func() error {
		var err error
		points, err = s.Store.MonitorTimeseries(id, from, to, bucket)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) monitorResults(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedMonitor(r, id); err != nil {
		writeError(w, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, fmt.Errorf("limit %q: %w", raw, types.ErrInvalidInput))
			return
		}
		limit = n
	}

	var results []*types.ServiceMonitorResult
	err = s.do(r, func() error {
		var err error
		results, err = s.Store.RecentMonitorResults(id, limit)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
