package scheduler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"taoj/pkg/errors"
	"taoj/pkg/utils/response"
)

// Controller exposes the scheduler's HTTP control surface.
type Controller struct {
	svc     *Service
	monitor *Monitor
	runners []string
}

func NewController(svc *Service, monitor *Monitor, runners []string) *Controller {
	return &Controller{svc: svc, monitor: monitor, runners: runners}
}

// RegisterRoutes mounts the control surface on the router.
func (ct *Controller) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", ct.Health)
	r.POST("/judge", ct.Judge)
	r.GET("/submission/:submission_id/status", ct.SubmissionStatus)
	r.POST("/submission/:submission_id/abort", ct.AbortSubmission)
	r.POST("/problem/:problem_id/update", ct.UpdateProblem)
	r.GET("/status", ct.RunnerStatus)
}

func (ct *Controller) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

func (ct *Controller) Judge(c *gin.Context) {
	var req JudgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"result": "system error", "error": err.Error()})
		return
	}
	if req.ProblemID == "" || req.SubmissionID == "" {
		c.JSON(http.StatusOK, gin.H{"result": "system error", "error": "missing problem or submission id"})
		return
	}
	ct.svc.Judge(req)
	c.JSON(http.StatusOK, gin.H{"result": "ok", "error": nil})
}

func (ct *Controller) SubmissionStatus(c *gin.Context) {
	res, ok := ct.svc.PartialStatus(c.Param("submission_id"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (ct *Controller) AbortSubmission(c *gin.Context) {
	if !ct.svc.Abort(c.Param("submission_id")) {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok", "error": nil})
}

func (ct *Controller) UpdateProblem(c *gin.Context) {
	err := ct.svc.UpdateProblem(c.Request.Context(), c.Param("problem_id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": "ok", "error": nil})
	case errors.Is(err, errors.InvalidProblem), errors.Is(err, errors.CheckerCompileFailed),
		errors.Is(err, errors.ProblemDataMissing), errors.Is(err, errors.DependencyCycle):
		c.JSON(http.StatusOK, gin.H{"result": "invalid problem", "error": errors.GetError(err).Message})
	default:
		c.JSON(http.StatusOK, gin.H{"result": "system error", "error": errors.GetError(err).Message})
	}
}

func (ct *Controller) RunnerStatus(c *gin.Context) {
	ids := ct.runners
	if q := c.Query("id"); q != "" {
		ids = strings.Split(q, ",")
	}
	if len(ids) == 0 {
		c.String(http.StatusBadRequest, "no runner id specified")
		return
	}
	c.JSON(http.StatusOK, ct.monitor.Statuses(c.Request.Context(), ids))
}
