package landings

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sylvestre/lando-api/internal/domain/landing"
	"github.com/sylvestre/lando-api/internal/http/common"
	"github.com/sylvestre/lando-api/internal/usecase"
)

type Handler struct {
	Service *usecase.LandingService
}

func NewHandler(service *usecase.LandingService) *Handler {
	return &Handler{Service: service}
}

// HandleGetStack serves the full stack graph for one revision: edges,
// revisions, repositories and the currently landable paths.
func (h *Handler) HandleGetStack(c *gin.Context) {
	revisionID, ok := parseRevisionParam(c, "revision_id")
	if !ok {
		return
	}
	stack, err := h.Service.BuildStack(c.Request.Context(), revisionID)
	if err != nil {
		common.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.ToStackResponse(stack))
}

type dryrunRequest struct {
	LandingPath []landing.LandingPathItem `json:"landing_path"`
}

func (h *Handler) HandleDryrun(c *gin.Context) {
	var req dryrunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.WriteErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	assessment, err := h.Service.Dryrun(c.Request.Context(), req.LandingPath)
	if err != nil {
		common.WriteError(c, err)
		return
	}
	if assessment.Warnings == nil {
		assessment.Warnings = []landing.Warning{}
	}
	c.JSON(http.StatusOK, assessment)
}

type submitRequest struct {
	LandingPath       []landing.LandingPathItem `json:"landing_path"`
	ConfirmationToken string                    `json:"confirmation_token"`
	Flags             []string                  `json:"flags"`
}

func (h *Handler) HandleSubmit(c *gin.Context) {
	principal, ok := common.PrincipalFromContext(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.WriteErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	job, err := h.Service.Submit(c.Request.Context(), usecase.SubmitInput{
		LandingPath:       req.LandingPath,
		ConfirmationToken: req.ConfirmationToken,
		Requester:         principal,
		Flags:             req.Flags,
	})
	if err != nil {
		common.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": common.ToJobResponse(job)})
}

func (h *Handler) HandleListTransplants(c *gin.Context) {
	revisionID, ok := parseRevisionParam(c, "stack_revision_id")
	if !ok {
		return
	}
	jobs, err := h.Service.ListTransplants(c.Request.Context(), revisionID)
	if err != nil {
		common.WriteError(c, err)
		return
	}
	resp := make([]common.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, common.ToJobResponse(job))
	}
	c.JSON(http.StatusOK, gin.H{"transplants": resp})
}

type updateJobRequest struct {
	Status string `json:"status"`
}

// HandleUpdateJob serves user-initiated job updates. Cancellation is
// the only status a caller may request.
func (h *Handler) HandleUpdateJob(c *gin.Context) {
	principal, ok := common.PrincipalFromContext(c)
	if !ok {
		return
	}
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		common.WriteErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "id is required")
		return
	}
	var req updateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.WriteErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if req.Status != string(landing.JobCancelled) {
		common.WriteErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "only a CANCELLED status may be requested")
		return
	}
	job, err := h.Service.Cancel(c.Request.Context(), jobID, principal)
	if err != nil {
		common.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": common.ToJobResponse(job)})
}

// requestID tolerates both string and numeric encodings; worker
// implementations differ on which they send.
type requestID string

func (r *requestID) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*r = requestID(asString)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(data, &asNumber); err != nil {
		return err
	}
	*r = requestID(asNumber.String())
	return nil
}

type workerUpdateRequest struct {
	RequestID   requestID `json:"request_id"`
	Landed      bool      `json:"landed"`
	Started     bool      `json:"started"`
	Tree        string    `json:"tree"`
	Rev         string    `json:"rev"`
	Destination string    `json:"destination"`
	TrySyntax   string    `json:"trysyntax"`
	ErrorMsg    string    `json:"error_msg"`
	Result      string    `json:"result"`
}

// HandleWorkerUpdate ingests asynchronous status reports from the
// transplant worker. Authentication is the pre-shared key checked by
// the route middleware, not a user principal.
func (h *Handler) HandleWorkerUpdate(c *gin.Context) {
	var req workerUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.WriteErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	job, err := h.Service.HandleWorkerUpdate(c.Request.Context(), usecase.WorkerUpdate{
		RequestID:   string(req.RequestID),
		Landed:      req.Landed,
		Started:     req.Started,
		Tree:        req.Tree,
		Rev:         req.Rev,
		Destination: req.Destination,
		TrySyntax:   req.TrySyntax,
		ErrorMsg:    req.ErrorMsg,
		Result:      req.Result,
	})
	if err != nil {
		common.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": common.ToJobResponse(job)})
}

// parseRevisionParam accepts both the bare id and the D-monogram form.
func parseRevisionParam(c *gin.Context, name string) (int64, bool) {
	raw := strings.TrimSpace(c.Param(name))
	raw = strings.TrimPrefix(raw, "D")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		common.WriteErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", name+" must be a revision id")
		return 0, false
	}
	return id, true
}
