package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/logger"
	"github.com/songzhibin97/approval-engine/workflow"
)

type Server struct {
	http.Server
	Port   int
	engine *workflow.Engine
}

func NewServer(httpPort int, engine *workflow.Engine) (*Server, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	s := &Server{
		Server: http.Server{
			Addr:              fmt.Sprintf(":%d", httpPort),
			ReadHeaderTimeout: 5 * time.Second,
		},
		engine: engine,
		Port:   httpPort,
	}
	s.Handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/process", s.HandleCreate).Methods(http.MethodPost)
	router.HandleFunc("/process", s.HandleGetProcess).Methods(http.MethodGet)
	router.HandleFunc("/process/draft", s.HandleSaveDraft).Methods(http.MethodPost)
	router.HandleFunc("/process/system", s.HandleGetProcessForSystem).Methods(http.MethodGet)
	router.HandleFunc("/process/transition", s.HandleTransition).Methods(http.MethodPost)
	router.HandleFunc("/process/{instanceId}/approvals", s.HandleApprovals).Methods(http.MethodGet)
	router.HandleFunc("/flow/{flowId}/image", s.HandleFlowImage).Methods(http.MethodGet)
	router.HandleFunc("/users/{userId}/todo", s.HandleTodo).Methods(http.MethodGet)
	router.HandleFunc("/users/{userId}/initiated", s.HandleInitiated).Methods(http.MethodGet)
	router.Use(loggingMiddleware)
	return router
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info(r.RequestURI,
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

// response wraps every query answer.
type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	res, err := json.Marshal(payload)
	if err != nil {
		logger.Error("error encoding response", zap.Error(err))
		code = http.StatusInternalServerError
		res = []byte(`{"success":false,"message":"error encoding response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(res)
}

func respondOK(w http.ResponseWriter, data interface{}) {
	respondWithJSON(w, http.StatusOK, response{Success: true, Data: data})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, response{Message: message})
}

// respondWithFailure reports err as a refusal when the engine refused the
// request, and as a server error otherwise.
func respondWithFailure(w http.ResponseWriter, err error) {
	if workflow.IsRejection(err) {
		respondWithJSON(w, http.StatusOK, response{Message: err.Error()})
		return
	}
	logger.Error("request failed", zap.Error(err))
	respondWithError(w, http.StatusInternalServerError, "internal error")
}
