package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sdxlforge/orchestrator/api"
	"github.com/sdxlforge/orchestrator/cache"
	"github.com/sdxlforge/orchestrator/envconfig"
	"github.com/sdxlforge/orchestrator/metrics"
	"github.com/sdxlforge/orchestrator/session"
)

func (s *Server) metricsHandler(c *gin.Context) {
	live, ok := s.metrics.(*metrics.Live)
	if !ok {
		c.String(http.StatusOK, "# metrics collection disabled\n")
		return
	}
	promhttp.HandlerFor(live.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// modelSpecBody is the wire shape of a single model reference, shared by
// load_model/run_inference request bodies.
type modelSpecBody struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Path string          `json:"path"`
	Type cache.ModelType `json:"type"`
}

func (b modelSpecBody) toSpec() cache.Spec {
	return cache.Spec{ID: b.ID, Name: b.Name, Path: b.Path, Type: b.Type}
}

type loadModelRequest struct {
	DeviceID string        `json:"device_id" binding:"required"`
	Model    modelSpecBody `json:"model" binding:"required"`
}

func (s *Server) loadModelHandler(c *gin.Context) {
	var req loadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, api.Fail(api.CodeInvalid, err.Error()))
		return
	}

	report, err := s.pool.LoadModel(c.Request.Context(), req.DeviceID, req.Model.toSpec())
	if err != nil {
		failErr(c, err)
		return
	}
	s.metrics.ModelLoaded(req.DeviceID, float64(report.ByteSize))
	respond(c, api.Ok(report))
}

type unloadModelRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

func (s *Server) unloadModelHandler(c *gin.Context) {
	var req unloadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, api.Fail(api.CodeInvalid, err.Error()))
		return
	}

	unloaded, err := s.pool.UnloadModel(c.Request.Context(), req.DeviceID)
	if err != nil {
		failErr(c, err)
		return
	}
	respond(c, api.Ok(gin.H{"unloaded": unloaded}))
}

type runInferenceRequest struct {
	DeviceID    string         `json:"device_id"`
	Model       modelSpecBody  `json:"model" binding:"required"`
	MessageType string         `json:"message_type" binding:"required"`
	Payload     map[string]any `json:"payload"`
}

// runInferenceHandler creates a Session through the Session Manager and
// returns its initial (Pending) snapshot — callers poll session_status
// for the outcome, since asynchronous errors are recorded on the
// Session, not thrown to the caller.
func (s *Server) runInferenceHandler(c *gin.Context) {
	var req runInferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, api.Fail(api.CodeInvalid, err.Error()))
		return
	}

	s.metrics.SessionStarted(string(req.Model.Type))

	snap, err := s.sess.Create(c.Request.Context(), session.Request{
		ModelSpec:   req.Model.toSpec(),
		DeviceID:    req.DeviceID,
		MessageType: req.MessageType,
		Payload:     req.Payload,
	})
	if err != nil {
		s.metrics.SessionFailed(string(req.Model.Type), "placement")
		failErr(c, err)
		return
	}
	respond(c, api.Ok(snap))
}

func (s *Server) sessionStatusHandler(c *gin.Context) {
	snap, err := s.sess.Status(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	respond(c, api.Ok(snap))
}

func (s *Server) cancelSessionHandler(c *gin.Context) {
	ok := s.sess.Cancel(c.Param("id"))
	respond(c, api.Ok(gin.H{"cancelled": ok}))
}

func (s *Server) poolStatusHandler(c *gin.Context) {
	respond(c, api.Ok(s.pool.PoolStatus()))
}

type suiteSpecBody struct {
	Name       string `json:"name" binding:"required"`
	Base       string `json:"base" binding:"required"`
	Refiner    string `json:"refiner"`
	VAE        string `json:"vae"`
	ControlNet string `json:"controlnet"`
	LoRA       string `json:"lora"`
}

func (b suiteSpecBody) toSpec() cache.SuiteSpec {
	return cache.SuiteSpec{Name: b.Name, Base: b.Base, Refiner: b.Refiner, VAE: b.VAE, ControlNet: b.ControlNet, LoRA: b.LoRA}
}

type suiteCacheRequest struct {
	DeviceID string        `json:"device_id" binding:"required"`
	Suite    suiteSpecBody `json:"suite" binding:"required"`
}

func (s *Server) suiteCacheHandler(c *gin.Context) {
	var req suiteCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, api.Fail(api.CodeInvalid, err.Error()))
		return
	}

	if envconfig.SuiteValidationStrict() {
		if mismatches := cache.ValidateSuite(req.Suite.toSpec()); len(mismatches) > 0 {
			respond(c, api.FailDetails(api.CodeInvalid, "suite component validation failed", mismatches))
			return
		}
	}

	report := s.pool.LoadSuite(c.Request.Context(), req.DeviceID, req.Suite.toSpec())
	if err := report.Err(); err != nil {
		respond(c, api.FailDetails(api.CodeInternal, err.Error(), report))
		return
	}
	respond(c, api.Ok(report))
}

func (s *Server) suiteReadinessHandler(c *gin.Context) {
	deviceID := c.Query("device_id")
	suites := s.cache.Suites()
	if deviceID == "" {
		respond(c, api.Ok(suites))
		return
	}

	type readiness struct {
		Name  string `json:"name"`
		Ready bool   `json:"ready"`
	}
	out := make([]readiness, 0, len(suites))
	for _, su := range suites {
		out = append(out, readiness{Name: su.Name, Ready: su.LoadedOnDevice(deviceID)})
	}
	respond(c, api.Ok(out))
}

type validateModelsRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

func (s *Server) validateModelsHandler(c *gin.Context) {
	var req validateModelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, api.Fail(api.CodeInvalid, err.Error()))
		return
	}
	respond(c, api.Ok(cache.Validate(req.Paths)))
}

type batchLoadRequest struct {
	DeviceIDs []string      `json:"device_ids" binding:"required"`
	Model     modelSpecBody `json:"model" binding:"required"`
	// Parallel is a pointer so an absent field falls back to
	// envconfig.BatchLoadParallel's default rather than always false.
	Parallel *bool `json:"parallel"`
}

func (s *Server) batchLoadHandler(c *gin.Context) {
	var req batchLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, api.Fail(api.CodeInvalid, err.Error()))
		return
	}

	parallel := envconfig.BatchLoadParallel(false)
	if req.Parallel != nil {
		parallel = *req.Parallel
	}

	results := s.pool.BatchLoad(c.Request.Context(), req.DeviceIDs, req.Model.toSpec(), parallel)
	respond(c, api.Ok(results))
}

func (s *Server) autoBalanceHandler(c *gin.Context) {
	respond(c, api.Ok(s.pool.AutoBalance()))
}
