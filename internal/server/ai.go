package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"nebulaai/internal/app"
	"nebulaai/pkg/domain"
)

type generateOptions struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

func (s *Server) handleGenerateText(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
		generateOptions
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.generate(w, r, user, domain.GenerationText, req.Prompt, req.generateOptions)
}

func (s *Server) handleAnalyzeDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Text         string `json:"text"`
		AnalysisType string `json:"analysisType"`
		generateOptions
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	analysisType := strings.TrimSpace(req.AnalysisType)
	if analysisType == "" {
		analysisType = "general"
	}
	prompt := fmt.Sprintf("Perform a %s analysis of the following document:\n\n%s", analysisType, req.Text)
	s.generate(w, r, user, domain.GenerationAnalysis, prompt, req.generateOptions)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Text   string `json:"text"`
		Length string `json:"length"`
		Style  string `json:"style"`
		generateOptions
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	length := strings.TrimSpace(req.Length)
	if length == "" {
		length = "medium"
	}
	style := strings.TrimSpace(req.Style)
	if style == "" {
		style = "paragraph"
	}
	prompt := fmt.Sprintf("Write a %s-length summary in %s form of the following text:\n\n%s", length, style, req.Text)
	s.generate(w, r, user, domain.GenerationSummary, prompt, req.generateOptions)
}

func (s *Server) handleGenerateContent(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Topic       string `json:"topic"`
		ContentType string `json:"contentType"`
		generateOptions
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "article"
	}
	prompt := fmt.Sprintf("Write a %s about: %s", contentType, req.Topic)
	s.generate(w, r, user, domain.GenerationText, prompt, req.generateOptions)
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request, user domain.User, genType domain.GenerationType, prompt string, opts generateOptions) {
	out, err := s.app.Generate(r.Context(), user, app.GenerateInput{
		Type:        genType,
		Prompt:      prompt,
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	list, total, err := s.app.History(user.ID, limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"generations": list,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

func (s *Server) handleHistoryByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/ai/history/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		gen, err := s.app.GenerationForUser(user.ID, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, gen)
	case http.MethodDelete:
		if err := s.app.DeleteGenerationForUser(user.ID, id); err != nil {
			writeAppError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]string{"message": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
