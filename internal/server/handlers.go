package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/beamd/internal/chat"
	"github.com/fyrsmithlabs/beamd/internal/council"
	"github.com/fyrsmithlabs/beamd/internal/fuse"
	"github.com/fyrsmithlabs/beamd/internal/prefs"
	"github.com/fyrsmithlabs/beamd/internal/scatter"
	"github.com/fyrsmithlabs/beamd/internal/session"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ErrorResponse carries one error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TurnRequest is one conversation turn in an open request.
type TurnRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// OpenRequest begins a session.
type OpenRequest struct {
	History     []TurnRequest `json:"history"`
	GatherModel string        `json:"gather_model,omitempty"`
}

type modelRequest struct {
	ModelID string `json:"model_id"`
}

type countRequest struct {
	Count int `json:"count"`
}

type importRequest struct {
	ModelID string `json:"model_id"`
	Text    string `json:"text"`
}

type confirmRequest struct {
	Selected []bool `json:"selected"`
}

type instructionsRequest struct {
	Instructions []fuse.Instruction `json:"instructions"`
}

type recreateRequest struct {
	SourceID string `json:"source_id"`
}

type presetRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "beamd"})
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleOpen(c echo.Context) error {
	var req OpenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	history := make([]chat.Message, 0, len(req.History))
	for _, turn := range req.History {
		msg := chat.NewMessage(chat.Role(turn.Role), "")
		msg.Text = turn.Text
		history = append(history, msg)
	}

	s.mu.Lock()
	s.accepted = nil
	s.mu.Unlock()

	if err := s.session.Open(history, req.GatherModel, s.recordAccepted); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleTerminate(c echo.Context) error {
	s.session.TerminateKeepingSettings()
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleSetGatherModel(c echo.Context) error {
	var req modelRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	s.session.SetGatherModel(req.ModelID)
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleAccepted(c echo.Context) error {
	s.mu.Lock()
	accepted := s.accepted
	s.mu.Unlock()
	if accepted == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "nothing accepted yet"})
	}
	return c.JSON(http.StatusOK, accepted)
}

func (s *Server) handleSetRayCount(c echo.Context) error {
	var req countRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	s.session.Scatter().SetRayCount(req.Count)
	return c.JSON(http.StatusOK, s.session.Scatter().Snapshot())
}

func (s *Server) handleStopAllRays(c echo.Context) error {
	s.session.Scatter().StopAll()
	return c.JSON(http.StatusOK, s.session.Scatter().Snapshot())
}

func (s *Server) handleImportMessage(c echo.Context) error {
	var req importRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "text must not be empty"})
	}
	s.session.Scatter().ImportMessage(req.ModelID, req.Text)
	return c.JSON(http.StatusOK, s.session.Scatter().Snapshot())
}

func (s *Server) handleStartRay(c echo.Context) error {
	return s.rayOp(c, s.session.Scatter().StartRay)
}

func (s *Server) handleStopRay(c echo.Context) error {
	return s.rayOp(c, s.session.Scatter().StopRay)
}

func (s *Server) handleToggleRay(c echo.Context) error {
	return s.rayOp(c, s.session.Scatter().ToggleRay)
}

func (s *Server) handleToggleSelected(c echo.Context) error {
	return s.rayOp(c, s.session.Scatter().ToggleSelected)
}

func (s *Server) rayOp(c echo.Context, op func(string) error) error {
	if err := op(c.Param("id")); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.Scatter().Snapshot())
}

func (s *Server) handleSetRayModel(c echo.Context) error {
	var req modelRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := s.session.Scatter().SetRayModel(c.Param("id"), req.ModelID); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.Scatter().Snapshot())
}

func (s *Server) handleAcceptRay(c echo.Context) error {
	if err := s.session.AcceptRay(c.Param("id")); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleFactories(c echo.Context) error {
	return c.JSON(http.StatusOK, fuse.Factories())
}

func (s *Server) handleRecreateAsCustom(c echo.Context) error {
	var req recreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	f, err := s.session.Fuse().RecreateAsCustom(req.SourceID)
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleSelectFusion(c echo.Context) error {
	if err := s.session.SelectFusion(c.Param("id")); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleStartFusion(c echo.Context) error {
	if err := s.session.StartFusion(c.Param("id")); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleStopFusion(c echo.Context) error {
	if err := s.session.Fuse().Stop(c.Param("id")); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleConfirmChecklist(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := s.session.Fuse().ConfirmChecklist(c.Param("id"), req.Selected); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleChecklist(c echo.Context) error {
	items, ok := s.session.Fuse().PendingChecklist(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: fuse.ErrNoPendingChecklist.Error()})
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleUpdateInstructions(c echo.Context) error {
	var req instructionsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := s.session.Fuse().UpdateInstructions(c.Param("id"), req.Instructions); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleAcceptFusion(c echo.Context) error {
	if err := s.session.AcceptFusion(c.Param("id")); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleStartCouncil(c echo.Context) error {
	if err := s.session.StartCouncil(); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleStopCouncil(c echo.Context) error {
	if err := s.session.StopCouncil(); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleAcceptCouncil(c echo.Context) error {
	if err := s.session.AcceptCouncil(); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.State())
}

func (s *Server) handleListPresets(c echo.Context) error {
	if s.prefs == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "preference persistence is disabled"})
	}
	return c.JSON(http.StatusOK, s.prefs.Presets())
}

// handleSavePreset stores the current ray model set under a name.
func (s *Server) handleSavePreset(c echo.Context) error {
	if s.prefs == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "preference persistence is disabled"})
	}
	var req presetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	var models []string
	for _, ray := range s.session.Scatter().Snapshot().Rays {
		models = append(models, ray.ModelID)
	}
	p, err := s.prefs.SavePreset(req.Name, models)
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// handleApplyPreset resizes the ray array to the preset and assigns its
// models.
func (s *Server) handleApplyPreset(c echo.Context) error {
	if s.prefs == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "preference persistence is disabled"})
	}
	p, err := s.prefs.Preset(c.Param("name"))
	if err != nil {
		return s.renderError(c, err)
	}
	s.session.Scatter().SetRayCount(len(p.Models))
	s.session.Scatter().SetAllModels(p.Models)
	return c.JSON(http.StatusOK, s.session.Scatter().Snapshot())
}

func (s *Server) handleDeletePreset(c echo.Context) error {
	if s.prefs == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "preference persistence is disabled"})
	}
	if err := s.prefs.DeletePreset(c.Param("name")); err != nil {
		return s.renderError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// renderError maps domain sentinels onto HTTP status codes.
func (s *Server) renderError(c echo.Context, err error) error {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, scatter.ErrRayNotFound),
		errors.Is(err, fuse.ErrFusionNotFound),
		errors.Is(err, fuse.ErrFactoryNotFound),
		errors.Is(err, prefs.ErrPresetNotFound),
		errors.Is(err, session.ErrNoCouncil):
		status = http.StatusNotFound
	case errors.Is(err, scatter.ErrRayBusy),
		errors.Is(err, session.ErrCouncilRunning):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotOpen),
		errors.Is(err, session.ErrNoContent),
		errors.Is(err, council.ErrTooFewAnswers):
		status = http.StatusConflict
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}
