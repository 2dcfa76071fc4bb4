package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/models/reports"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"bitbucket.org/mmdatafocus/immersion_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// writeError maps the error taxonomy onto HTTP statuses. Consistency failures keep their details in the log.
func writeError(c *gin.Context, a *app, funcName string, err error) {
	var validationErr *utils.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": validationErr.Fields})
	case errors.Is(err, utils.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.LogError(a.logger, "handlers.go", funcName, c.Request.Method+" "+c.FullPath(), cid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "correlation_id": cid})
	}
}

// ownerId is set by RequireUser on every route that reaches these handlers.
func ownerId(c *gin.Context) int {
	id, _ := utils.GetUserIdFromContext(c.Request.Context())
	return id
}

func bindJSON(c *gin.Context, a *app, funcName string, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		writeError(c, a, funcName, utils.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

func createLogHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewImmersionLog
		if !bindJSON(c, a, "createLogHandler", &input) {
			return
		}
		log, err := a.logs.CreateLog(c.Request.Context(), ownerId(c), input)
		if err != nil {
			writeError(c, a, "createLogHandler", err)
			return
		}
		c.JSON(http.StatusCreated, log)
	}
}

func editLogHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch models.ImmersionLogPatch
		if !bindJSON(c, a, "editLogHandler", &patch) {
			return
		}
		log, err := a.logs.EditLog(c.Request.Context(), ownerId(c), c.Param("id"), patch)
		if err != nil {
			writeError(c, a, "editLogHandler", err)
			return
		}
		c.JSON(http.StatusOK, log)
	}
}

func deleteLogHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.logs.DeleteLog(c.Request.Context(), ownerId(c), c.Param("id")); err != nil {
			writeError(c, a, "deleteLogHandler", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// statsQuery reads ?range=today|month|year|total&types=reading,anime.
func statsQuery(c *gin.Context) (models.StatsRange, []models.ActivityType, error) {
	rng, err := models.ParseStatsRange(c.Query("range"))
	if err != nil {
		return "", nil, utils.NewValidationError("range", err.Error())
	}
	var filter []models.ActivityType
	for _, raw := range splitAndTrim(c.Query("types")) {
		filter = append(filter, models.ActivityType(raw))
	}
	return rng, filter, nil
}

func windowedStatsHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		rng, filter, err := statsQuery(c)
		if err != nil {
			writeError(c, a, "windowedStatsHandler", err)
			return
		}
		stats, err := a.stats.GetWindowedStats(c.Request.Context(), ownerId(c), rng, filter)
		if err != nil {
			writeError(c, a, "windowedStatsHandler", err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func exportStatsHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		rng, filter, err := statsQuery(c)
		if err != nil {
			writeError(c, a, "exportStatsHandler", err)
			return
		}
		stats, err := a.stats.GetWindowedStats(c.Request.Context(), ownerId(c), rng, filter)
		if err != nil {
			writeError(c, a, "exportStatsHandler", err)
			return
		}
		fileName := fmt.Sprintf("immersion-%s-%s.xlsx", rng, time.Now().UTC().Format("20060102"))
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", `attachment; filename="`+fileName+`"`)
		c.Status(http.StatusOK)
		if err := reports.WriteWindowedStatsXlsx(c.Writer, stats); err != nil {
			_ = c.Error(err)
		}
	}
}

func ledgerHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := a.stats.GetLedger(c.Request.Context(), ownerId(c))
		if err != nil {
			writeError(c, a, "ledgerHandler", err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

type timezoneRequest struct {
	Timezone string `json:"timezone"`
}

func timezoneHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req timezoneRequest
		if !bindJSON(c, a, "timezoneHandler", &req) {
			return
		}
		user, err := a.logs.SetTimezone(c.Request.Context(), ownerId(c), req.Timezone)
		if err != nil {
			writeError(c, a, "timezoneHandler", err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

func purgeUserHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := a.logs.PurgeUser(c.Request.Context(), ownerId(c))
		if err != nil {
			writeError(c, a, "purgeUserHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type recalcRequest struct {
	UserIds []int `json:"userIds"`
	Async   bool  `json:"async"`
}

// recalcHandler runs a repair job inline, or hands it to Pub/Sub when async is set.
func recalcHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recalcRequest
		if c.Request.ContentLength != 0 && !bindJSON(c, a, "recalcHandler", &req) {
			return
		}
		job := c.Param("job")
		ctx := c.Request.Context()

		if req.Async {
			switch job {
			case workflow.JobRecalcLedgers, workflow.JobRecalcStreaks, workflow.JobVerifyLedgers:
			default:
				writeError(c, a, "recalcHandler", utils.NewValidationError("job", fmt.Sprintf("unknown job %q", job)))
				return
			}
			username, _ := utils.GetUsernameFromContext(ctx)
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			msg := config.RecalcMessage{
				RequestId:     uuid.NewString(),
				Job:           job,
				UserIds:       req.UserIds,
				RequestedBy:   username,
				RequestedAt:   time.Now().UTC(),
				CorrelationId: cid,
			}
			messageId, err := config.PublishRecalcRequest(ctx, msg)
			if err != nil {
				writeError(c, a, "recalcHandler", err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"request_id": msg.RequestId, "message_id": messageId, "job": job})
			return
		}

		result, err := a.recalc.RunJob(ctx, job, req.UserIds)
		if err != nil {
			writeError(c, a, "recalcHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
