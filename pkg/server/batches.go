package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// createBatchCommand creates the parent and children, answers
// immediately and dispatches in the background.
func (s *Server) createBatchCommand(w http.ResponseWriter, r *http.Request) {
	var req types.BatchCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	uid := userID(r)
	for _, id := range req.TargetVPSIDs {
		if _, err := s.ownedHost(r, id); err != nil {
			writeError(w, err)
			return
		}
	}

	var parent *types.BatchCommandTask
	err := s.do(r, func() error {
		var err error
		parent, err = s.Batches.Create(uid, &req)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BatchCommandsCreated.Inc()

	go s.Batches.Dispatch(parent.ID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_command_id": parent.ID,
		"status":           types.BatchStatusPending,
		"message":          "batch command accepted",
	})
}

func (s *Server) listBatchCommands(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, fmt.Errorf("limit %q: %w", raw, types.ErrInvalidInput))
			return
		}
		limit = n
	}
	var tasks []*types.BatchCommandTask
	err := s.do(r, func() error {
		var err error
		tasks, err = s.Store.ListBatchTasksByUser(userID(r), limit)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) ownedBatch(r *http.Request, id string) (*types.BatchCommandTask, error) {
	var parent *types.BatchCommandTask
	err := s.do(r, func() error {
		var err error
		parent, err = s.Store.GetBatchTask(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if parent.UserID != userID(r) {
		return nil, fmt.Errorf("batch %s: %w", id, types.ErrForbidden)
	}
	return parent, nil
}

func (s *Server) getBatchCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	parent, err := s.ownedBatch(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var children []*types.ChildCommandTask
	if err := s.do(r, func() error {
		var err error
		children, err = s.Store.ChildrenOfBatch(id)
		return err
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch": parent,
		"tasks": children,
	})
}

func (s *Server) terminateBatchCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.ownedBatch(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Batches.TerminateParent(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(types.BatchStatusTerminating)})
}

func (s *Server) terminateChildCommand(w http.ResponseWriter, r *http.Request) {
	parentID := mux.Vars(r)["id"]
	childID := mux.Vars(r)["child"]
	if _, err := s.ownedBatch(r, parentID); err != nil {
		writeError(w, err)
		return
	}
	var child *types.ChildCommandTask
	if err := s.do(r, func() error {
		var err error
		child, err = s.Store.GetChildTask(childID)
		return err
	}); err != nil {
		writeError(w, err)
		return
	}
	if child.ParentID != parentID {
		writeError(w, fmt.Errorf("child %s: %w", childID, types.ErrNotFound))
		return
	}
	if err := s.Batches.TerminateChild(childID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(types.ChildStatusTerminating)})
}
