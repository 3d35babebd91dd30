package api

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/nvr-ai/go-cropcheck/history"
	"github.com/nvr-ai/go-cropcheck/models"
	"github.com/sirupsen/logrus"
)

// CheckCropResponse is the outcome of one upload.
type CheckCropResponse struct {
	AnalysisID string                   `json:"analysis_id"`
	Generation uint64                   `json:"generation"`
	State      controller.Phase         `json:"state"`
	ClassLabel string                   `json:"class_label"`
	SubLabel   string                   `json:"sub_label"`
	Label      string                   `json:"label,omitempty"`
	Override   bool                     `json:"override"`
	Attempts   int                      `json:"attempts"`
	Stages     []controller.StageResult `json:"stages"`
	Saved      bool                     `json:"saved"`
	Timestamp  time.Time                `json:"timestamp"`
}

// ModelsResponse lists the loaded models and the routing between them.
type ModelsResponse struct {
	Root      string            `json:"root"`
	Routes    map[string]string `json:"routes"`
	Overrides []string          `json:"overrides"`
	Models    []models.Info     `json:"models"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	reg := s.cfg.Registry
	root, ok := reg.Get(reg.Root())
	rootReady := ok && root.Ready()

	ready := 0
	infos := reg.Describe()
	for _, info := range infos {
		if info.Ready {
			ready++
		}
	}

	status := "ok"
	code := fiber.StatusOK
	if !rootReady {
		status = "loading"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"root_ready":   rootReady,
		"models_ready": ready,
		"models_total": len(infos),
		"history":      s.cfg.History != nil,
		"uptime":       time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) handleModels(c *fiber.Ctx) error {
	reg := s.cfg.Registry
	routes := make(map[string]string, len(reg.Routes()))
	for label, model := range reg.Routes() {
		routes[label] = model
	}
	return c.JSON(ModelsResponse{
		Root:      reg.Root(),
		Routes:    routes,
		Overrides: reg.Children(),
		Models:    reg.Describe(),
	})
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if s.cfg.Profiler == nil {
		return fiber.NewError(fiber.StatusNotFound, "profiling is disabled")
	}
	return c.JSON(s.cfg.Profiler.Stats())
}

func (s *Server) handleCheckCrop(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "failed to get file")
	}

	f, err := file.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to open file")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read file")
	}
	if len(data) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "empty file")
	}

	ctrl := controller.New(s.cfg.Registry, s.cfg.Cascade)
	ctrl.SetImageBytes(data)

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.RequestTimeout)
	defer cancel()

	override := models.NormalizeName(c.FormValue("model"))
	var st controller.State
	if override != "" {
		st, err = ctrl.Override(ctx, override)
	} else {
		st, err = ctrl.Run(ctx)
	}

	log := s.logger.WithFields(logrus.Fields{
		"file":     file.Filename,
		"override": override,
	})
	switch {
	case err == nil, errors.Is(err, controller.ErrDetectionFailed):
	case errors.Is(err, controller.ErrNotReady):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, "detection timed out")
	default:
		log.WithError(err).Error("cascade failed")
		return fiber.NewError(fiber.StatusInternalServerError, "detection failed")
	}

	resp := CheckCropResponse{
		AnalysisID: uuid.New().String(),
		Generation: st.Generation,
		State:      st.Phase,
		ClassLabel: st.ClassLabel,
		SubLabel:   st.SubLabel,
		Label:      st.Label,
		Override:   st.Override,
		Attempts:   st.Attempts(),
		Stages:     st.Stages,
		Timestamp:  time.Now().UTC(),
	}
	if resp.Stages == nil {
		resp.Stages = []controller.StageResult{}
	}

	if s.cfg.History != nil {
		rec, err := history.FromState(st, file.Filename)
		if err == nil {
			err = s.cfg.History.Create(c.UserContext(), rec)
		}
		if err != nil {
			log.WithError(err).Warn("detection not saved")
		} else {
			resp.AnalysisID = rec.ID.String()
			resp.Saved = true
		}
	}

	log.WithFields(logrus.Fields{
		"analysis_id": resp.AnalysisID,
		"state":       st.Phase.String(),
		"class_label": st.ClassLabel,
		"sub_label":   st.SubLabel,
	}).Info("crop checked")
	return c.JSON(resp)
}

func (s *Server) handleListDetections(c *fiber.Ctx) error {
	if s.cfg.History == nil {
		return fiber.NewError(fiber.StatusNotFound, "history is disabled")
	}
	page := history.Pagination{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 20),
	}
	recs, err := s.cfg.History.FindAll(c.UserContext(), page)
	if err != nil {
		return err
	}
	return c.JSON(recs)
}

func (s *Server) handleGetDetection(c *fiber.Ctx) error {
	if s.cfg.History == nil {
		return fiber.NewError(fiber.StatusNotFound, "history is disabled")
	}
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}
	rec, err := s.cfg.History.FindByID(c.UserContext(), id)
	if errors.Is(err, history.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(rec)
}
