package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	driverpkg "github.com/drender/drender/driver"
	"github.com/drender/drender/server/log"
)

// controlPlane is the slice of the driver the API needs; tests substitute
// their own.
type controlPlane interface {
	StartProject(ctx context.Context, req driverpkg.ProjectRequest) (*driverpkg.ProjectResponse, error)
	Status(ctx context.Context, projectID string) (*driverpkg.ProjectResponse, error)
	HandleInstanceEvent(ctx context.Context, event driverpkg.InstanceHeartbeat) error
}

func newRouter(driver controlPlane) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/projects", handleProject(driver))
	router.GET("/projects/:id", handleProjectStatus(driver))
	router.POST("/instances", handleInstanceEvent(driver))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func handleProject(driver controlPlane) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req driverpkg.ProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		switch req.Action {
		case driverpkg.ProjectActionStart:
			resp, err := driver.StartProject(c.Request.Context(), req)
			if err != nil {
				log.Error("Project start failed", "project", req.ID, "error", err)
				c.JSON(statusForError(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, resp)

		case driverpkg.ProjectActionStatus:
			resp, err := driver.Status(c.Request.Context(), req.ID)
			if err != nil {
				c.JSON(statusForError(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, resp)

		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		}
	}
}

func handleProjectStatus(driver controlPlane) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := driver.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleInstanceEvent(driver controlPlane) gin.HandlerFunc {
	return func(c *gin.Context) {
		var event driverpkg.InstanceHeartbeat
		if err := c.ShouldBindJSON(&event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := driver.HandleInstanceEvent(c.Request.Context(), event); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, driverpkg.ErrProjectExists):
		return http.StatusConflict
	case errors.Is(err, driverpkg.ErrInvalidRequest),
		errors.Is(err, driverpkg.ErrUnknownSoftware),
		errors.Is(err, driverpkg.ErrBrokerMismatch):
		return http.StatusBadRequest
	case errors.Is(err, driverpkg.ErrDriverStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
