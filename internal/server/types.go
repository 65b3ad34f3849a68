package server

import (
	"time"

	"github.com/kiesman99/deepzoom/internal/job"
	"github.com/kiesman99/deepzoom/internal/pyramid"
)

// HealthStatus values
const (
	Healthy = "healthy"
)

// Error codes
const (
	CodeInvalidJSON      = "INVALID_JSON"
	CodeValidationError  = "VALIDATION_ERROR"
	CodeSourceError      = "SOURCE_ERROR"
	CodeOutputError      = "OUTPUT_ERROR"
	CodeTilingIncomplete = "TILING_INCOMPLETE"
	CodeTimeout          = "TIMEOUT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    *int      `json:"uptime,omitempty"`
	Version   *string   `json:"version,omitempty"`
}

// TileRequest starts a tiling job.
type TileRequest struct {
	Source   string `json:"source"`
	Output   string `json:"output"`
	MinLevel *int   `json:"minLevel,omitempty"`
	MaxLevel *int   `json:"maxLevel,omitempty"`
	Clean    bool   `json:"clean,omitempty"`
}

// TileResponse reports a finished job.
type TileResponse struct {
	RequestId string `json:"requestId"`
	job.Report
}

// PlanResponse describes the pyramid of an image size.
type PlanResponse struct {
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	TileSize   int             `json:"tileSize"`
	Format     string          `json:"format"`
	Levels     []pyramid.Level `json:"levels"`
	TotalTiles int             `json:"totalTiles"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	RequestId *string                 `json:"requestId,omitempty"`
	Details   *map[string]interface{} `json:"details,omitempty"`
}

// ValidationError names the offending request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrorResponse is returned for rejected requests.
type ValidationErrorResponse struct {
	Error            string            `json:"error"`
	Message          string            `json:"message"`
	RequestId        *string           `json:"requestId,omitempty"`
	ValidationErrors []ValidationError `json:"validationErrors"`
}

// JobErrorResponse is returned when a job ran but did not complete.
type JobErrorResponse struct {
	Error        string  `json:"error"`
	Message      string  `json:"message"`
	RequestId    *string `json:"requestId,omitempty"`
	JobId        string  `json:"jobId"`
	ZoomLevels   int     `json:"zoomLevels"`
	TilesWritten int64   `json:"tilesWritten"`
	TilesFailed  int64   `json:"tilesFailed"`
	PartsFailed  int64   `json:"partsFailed"`
}
