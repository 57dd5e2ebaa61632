package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/logger"
	"github.com/songzhibin97/approval-engine/workflow"
)

type transitionFunc func(ctx context.Context, req workflow.TransitionRequest) (workflow.Result, error)

func (s *Server) HandleCreate(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Create)
}

func (s *Server) HandleSaveDraft(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.SaveDraft)
}

func (s *Server) HandleTransition(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.ProcessTransition)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, run transitionFunc) {
	defer r.Body.Close()
	var req workflow.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := run(r.Context(), req)
	if err != nil {
		logger.Error("error running transition",
			zap.String("menu", req.Menu.String()),
			zap.String("instance", req.InstanceID),
			zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error running transition")
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (s *Server) HandleGetProcess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view, err := s.engine.GetProcess(r.Context(), workflow.ProcessQuery{
		FlowID:     q.Get("flowId"),
		InstanceID: q.Get("instanceId"),
		UserID:     q.Get("userId"),
	})
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondOK(w, view)
}

func (s *Server) HandleGetProcessForSystem(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view, err := s.engine.GetProcessForSystem(r.Context(), q.Get("formUrl"), q.Get("pageId"), q.Get("userId"))
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondOK(w, view)
}

func (s *Server) HandleApprovals(w http.ResponseWriter, r *http.Request) {
	ops, err := s.engine.Approvals(r.Context(), mux.Vars(r)["instanceId"])
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondOK(w, ops)
}

func (s *Server) HandleFlowImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.engine.FlowImage(r.Context(), mux.Vars(r)["flowId"], r.URL.Query().Get("instanceId"))
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondOK(w, img)
}

func (s *Server) HandleTodo(w http.ResponseWriter, r *http.Request) {
	page, size, ok := paging(w, r)
	if !ok {
		return
	}
	list, err := s.engine.TodoList(r.Context(), mux.Vars(r)["userId"], page, size)
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondOK(w, list)
}

func (s *Server) HandleInitiated(w http.ResponseWriter, r *http.Request) {
	page, size, ok := paging(w, r)
	if !ok {
		return
	}
	list, err := s.engine.Initiated(r.Context(), mux.Vars(r)["userId"], page, size)
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondOK(w, list)
}

// paging reads the optional page and size parameters. It answers the
// request itself when one of them is not a number.
func paging(w http.ResponseWriter, r *http.Request) (page, size int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &page}, {"size", &size}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid "+p.name)
			return 0, 0, false
		}
		*p.dst = n
	}
	return page, size, true
}
