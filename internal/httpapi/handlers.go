package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shipyardhq/sma/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"name":      s.cfg.Name,
		"status":    "running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.Lanes != nil {
		resp["lanes"] = s.cfg.Lanes.Stats()
	}
	if s.cfg.Shell != nil {
		resp["shellSessions"] = s.cfg.Shell.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type executeRequest struct {
	Instructions string `json:"instructions"`
	ChatID       string `json:"chatId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
}

type executeResponse struct {
	Success   bool   `json:"success"`
	ContextID string `json:"contextId"`
	Output    string `json:"output,omitempty"`
	Steps     int    `json:"steps,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleExecute runs one synchronous turn on api:chat:<chatId> and returns
// the assistant's reply in the response body.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Instructions == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instructions is required"})
		return
	}
	if req.ChatID == "" {
		req.ChatID = "default"
	}
	contextID := "api:chat:" + req.ChatID

	res, err := s.cfg.Execute(r.Context(), contextID, req.Instructions)
	if err != nil {
		writeJSON(w, http.StatusOK, executeResponse{ContextID: contextID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Success:   true,
		ContextID: contextID,
		Output:    res.Content,
		Steps:     res.Steps,
	})
}

type chatSendRequest struct {
	ChatKey string `json:"chatKey"`
	Text    string `json:"text"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.ChatKey == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chatKey and text are required"})
		return
	}
	if err := s.cfg.Dispatcher.Send(r.Context(), req.ChatKey, req.Text); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

func (s *Server) handleSkillList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.cfg.Skills.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"skills": infos})
}

type skillRequest struct {
	Name      string `json:"name"`
	ContextID string `json:"contextId"`
}

func (s *Server) handleSkillLoad(w http.ResponseWriter, r *http.Request) {
	s.handleSkillPin(w, r, true)
}

func (s *Server) handleSkillUnload(w http.ResponseWriter, r *http.Request) {
	s.handleSkillPin(w, r, false)
}

func (s *Server) handleSkillPin(w http.ResponseWriter, r *http.Request, pin bool) {
	var req skillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Name == "" || req.ContextID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and contextId are required"})
		return
	}

	store, err := s.cfg.Stores(req.ContextID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if pin {
		if _, err := s.cfg.Skills.Load(req.Name); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		meta, err := store.AddPinnedSkillID(req.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"pinned": meta.PinnedSkillIDs})
		return
	}

	meta, err := store.RemovePinnedSkillID(req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pinned": meta.PinnedSkillIDs})
}

// taskBody is the wire form of a task definition; Prompt travels in the
// JSON body rather than a markdown file.
type taskBody struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Cron        string `json:"cron,omitempty"`
	Status      string `json:"status,omitempty"`
	ContextID   string `json:"contextId,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Prompt      string `json:"prompt"`
}

func (b taskBody) toDefinition(id string) *task.Definition {
	def := &task.Definition{
		ID:          id,
		Title:       b.Title,
		Description: b.Description,
		Cron:        b.Cron,
		Status:      b.Status,
		ContextID:   b.ContextID,
		Timezone:    b.Timezone,
		Prompt:      b.Prompt,
	}
	if def.Status == "" {
		def.Status = task.StatusActive
	}
	if def.Title == "" {
		def.Title = id
	}
	return def
}

func taskView(def *task.Definition) map[string]interface{} {
	return map[string]interface{}{
		"id":          def.ID,
		"title":       def.Title,
		"description": def.Description,
		"cron":        def.Cron,
		"status":      def.Status,
		"contextId":   def.ContextID,
		"timezone":    def.Timezone,
		"prompt":      def.Prompt,
		"updatedAt":   def.UpdatedAt,
	}
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	defs := s.cfg.Tasks.List()
	views := make([]map[string]interface{}, 0, len(defs))
	for _, def := range defs {
		views = append(views, taskView(def))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": views})
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var body taskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if body.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	if _, err := s.cfg.Tasks.Get(body.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("task %s already exists", body.ID)})
		return
	}
	def := body.toDefinition(body.ID)
	if err := s.cfg.Tasks.Save(def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskView(def))
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	def, err := s.cfg.Tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(def))
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Tasks.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var body taskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	def := body.toDefinition(id)
	if err := s.cfg.Tasks.Save(def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(def))
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Tasks.Delete(r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrTaskNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleTaskRun fires one manual run and waits for its record.
func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	def, err := s.cfg.Tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	out, err := s.cfg.Runner.Enqueue(r.Context(), def, "manual")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	select {
	case <-r.Context().Done():
		writeError(w, http.StatusRequestTimeout, r.Context().Err())
	case oc := <-out:
		record, _ := oc.Value.(*task.RunRecord)
		if record == nil {
			writeError(w, http.StatusInternalServerError, oc.Err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}
