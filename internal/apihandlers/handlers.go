package apihandlers

import (
	"errors"
	"net/http"
	"strconv"

	"bookscan/internal/app"
	"bookscan/internal/models"
	"bookscan/internal/store"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type APIHandler struct {
	App *app.App
}

func NewAPIHandler(app *app.App) *APIHandler {
	return &APIHandler{App: app}
}

// RegisterRoutes mounts the run endpoints under /api/v1 and the health check.
func (h *APIHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", h.CreateRunHandler)
			runs.GET("", h.ListRunsHandler)
			runs.GET("/:id", h.GetRunHandler)
			runs.POST("/:id/tick", h.TickHandler)
			runs.POST("/:id/finalize", h.FinalizeHandler)
			runs.POST("/:id/sweep", h.SweepHandler)
		}
	}
	router.GET("/health", h.HealthHandler)
}

// respondError maps the pipeline error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		BadRequest(c, err.Error())
	case errors.Is(err, store.ErrNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, models.ErrStillProcessing):
		Conflict(c, err.Error(), true)
	case errors.Is(err, models.ErrNothingToAssemble):
		Conflict(c, err.Error(), false)
	case errors.Is(err, models.ErrNoImages):
		Unprocessable(c, "no_images", err.Error())
	case models.IsRetryable(err):
		Unavailable(c, "unavailable", err.Error())
	default:
		log.WithError(err).WithField("op", op).Error("api request failed")
		Internal(c, op+": "+err.Error())
	}
}

// tickBody carries the run locations; the run id comes from the path.
type tickBody struct {
	InputLocation  string `json:"input_location"`
	TempLocation   string `json:"temp_location"`
	OutputLocation string `json:"output_location"`
}

func bindTickRequest(c *gin.Context) (models.TickRequest, error) {
	var body tickBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			return models.TickRequest{}, err
		}
	}
	return models.TickRequest{
		RunID:          c.Param("id"),
		InputLocation:  body.InputLocation,
		TempLocation:   body.TempLocation,
		OutputLocation: body.OutputLocation,
	}, nil
}

func (h *APIHandler) CreateRunHandler(c *gin.Context) {
	var req models.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	resp, err := h.App.Initializer.Initialize(c.Request.Context(), req)
	if err != nil {
		respondError(c, "initialize run", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (h *APIHandler) ListRunsHandler(c *gin.Context) {
	limit, offset := 20, 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	runs, err := h.App.Store.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, "list runs", err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (h *APIHandler) GetRunHandler(c *gin.Context) {
	progress, err := h.App.Orchestrator.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "get run", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": progress})
}

// TickHandler runs one tick. With ?dispatch=true the claimed batch is enqueued
// for the stage workers.
func (h *APIHandler) TickHandler(c *gin.Context) {
	req, err := bindTickRequest(c)
	if err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	resp, err := h.App.Orchestrator.Tick(c.Request.Context(), req)
	if err != nil {
		respondError(c, "tick", err)
		return
	}
	if c.Query("dispatch") == "true" && len(resp.BatchToProcess) > 0 {
		if h.App.JobClient == nil {
			Unavailable(c, "no_queue", "task queue is not configured")
			return
		}
		if err := h.App.JobClient.EnqueueItems(c.Request.Context(), resp.BatchToProcess); err != nil {
			respondError(c, "dispatch batch", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (h *APIHandler) FinalizeHandler(c *gin.Context) {
	req, err := bindTickRequest(c)
	if err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	resp, err := h.App.Finalizer.Finalize(c.Request.Context(), models.FinalizeRequestFor(req))
	if err != nil {
		respondError(c, "finalize", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (h *APIHandler) SweepHandler(c *gin.Context) {
	res, err := h.App.Sweeper.Reclaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "sweep", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (h *APIHandler) HealthHandler(c *gin.Context) {
	if err := h.App.Store.Ping(c.Request.Context()); err != nil {
		Unavailable(c, "store_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
