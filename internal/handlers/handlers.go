package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/similarity"
	"github.com/example/liveness-check/internal/usecase"
)

// MaxUploadSize caps request bodies; batch payloads carry base64 frames.
const MaxUploadSize = 10 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type validationRequest struct {
	UserID   string            `json:"user_id"`
	Samples  []string          `json:"samples"`
	Metadata map[string]string `json:"metadata"`
}

type similarityRequest struct {
	FirstImageURL  string   `json:"first_image_url"`
	SecondImageURL string   `json:"second_image_url"`
	Strategies     []string `json:"strategies"`
}

type similarityBase64Request struct {
	FirstImage  string   `json:"first_image"`
	SecondImage string   `json:"second_image"`
	Strategies  []string `json:"strategies"`
}

// RegisterRoutes wires the HTTP and WebSocket handlers to the Gin router.
// The health probe, the Prometheus endpoint, and the liveness socket stay
// open; everything else sits behind the auth middleware.
func RegisterRoutes(router *gin.Engine, livenessUC *usecase.LivenessUseCase, comparisonUC *usecase.ComparisonUseCase, authMiddleware gin.HandlerFunc, metricsHandler http.Handler, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "detail": "ready"})
	})

	router.GET("/metrics", gin.WrapH(metricsHandler))

	router.GET("/ws/liveness", func(c *gin.Context) {
		streamLiveness(c, livenessUC, logger)
	})

	protected := router.Group("/", authMiddleware)

	protected.POST("/validate", func(c *gin.Context) {
		var payload validationRequest
		if !bindJSON(c, &payload) {
			return
		}
		if payload.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
			return
		}

		report, err := livenessUC.ValidateBatch(c.Request.Context(), payload.UserID, payload.Samples)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"user_id":    report.UserID,
			"request_id": report.RequestID,
			"is_live":    report.IsLive,
			"confidence": report.Confidence,
			"reason":     report.Reason,
			"attempts":   report.Attempts,
			"samples":    report.Samples,
		})
	})

	protected.GET("/validations/:id", func(c *gin.Context) {
		record, err := livenessUC.GetValidation(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, validationJSON(record))
	})

	protected.GET("/validations/:id/duplicates", func(c *gin.Context) {
		report, err := livenessUC.GetDuplicateReport(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		duplicates := make([]gin.H, len(report.Duplicates))
		for i, record := range report.Duplicates {
			duplicates[i] = validationJSON(record)
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id":     report.Request.RequestID,
			"samples_digest": report.Request.SamplesDigest,
			"duplicates":     duplicates,
		})
	})

	protected.POST("/images/similarity", func(c *gin.Context) {
		var payload similarityRequest
		if !bindJSON(c, &payload) {
			return
		}
		if payload.FirstImageURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "first_image_url is required"})
			return
		}
		if payload.SecondImageURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "second_image_url is required"})
			return
		}

		decision, err := comparisonUC.CompareByURL(c.Request.Context(), payload.FirstImageURL, payload.SecondImageURL, parseStrategies(payload.Strategies))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, decision)
	})

	protected.POST("/images/similarity/base64", func(c *gin.Context) {
		var payload similarityBase64Request
		if !bindJSON(c, &payload) {
			return
		}
		if payload.FirstImage == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "first_image is required"})
			return
		}
		if payload.SecondImage == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "second_image is required"})
			return
		}

		decision, err := comparisonUC.CompareBase64(c.Request.Context(), payload.FirstImage, payload.SecondImage, parseStrategies(payload.Strategies))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, decision)
	})

	protected.POST("/session/reset", func(c *gin.Context) {
		livenessUC.ResetSession()
		c.JSON(http.StatusOK, gin.H{"status": "reset"})
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := livenessUC.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// streamLiveness evaluates frames over a WebSocket until the client
// disconnects. Each binary or text message is treated as one frame; the
// session resets when the connection ends.
func streamLiveness(c *gin.Context, livenessUC *usecase.LivenessUseCase, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxUploadSize)

	livenessUC.StreamSessionStarted()
	defer livenessUC.StreamSessionEnded()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		result, err := livenessUC.EvaluateStream(c.Request.Context(), payload)
		if err != nil {
			logger.Error("stream evaluation failed", zap.Error(err))
			message := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "evaluation failed")
			_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
			return
		}

		if err := conn.WriteJSON(result); err != nil {
			return
		}
	}
}

// bindJSON decodes the request body into target, enforcing the content type
// and the body size cap. It writes the error response itself and reports
// whether the handler should continue.
func bindJSON(c *gin.Context, target interface{}) bool {
	if c.ContentType() != "application/json" {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "content type must be application/json"})
		return false
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	if err := c.ShouldBindJSON(target); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body exceeds the size limit"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return false
	}
	return true
}

func parseStrategies(names []string) []similarity.ID {
	if names == nil {
		return nil
	}
	ids := make([]similarity.ID, len(names))
	for i, name := range names {
		ids[i] = similarity.ID(name)
	}
	return ids
}

func validationJSON(record *repository.ValidationRecord) gin.H {
	return gin.H{
		"request_id": record.RequestID,
		"user_id":    record.UserID,
		"is_live":    record.IsLive,
		"confidence": record.Confidence,
		"reason":     record.Reason,
		"attempts":   record.Attempts,
		"created_at": record.CreatedAt,
	}
}

// writeError maps the error taxonomy onto HTTP status codes. Typed faults
// carry user-facing messages; anything unrecognized is a plain 500.
func writeError(c *gin.Context, err error) {
	var (
		validationErr  *faults.ValidationError
		remoteErr      *faults.RemoteError
		unavailableErr *faults.UnavailableError
		timeoutErr     *faults.TimeoutError
		startupErr     *faults.StartupError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Msg})
	case errors.As(err, &timeoutErr):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": timeoutErr.Msg})
	case errors.As(err, &unavailableErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": unavailableErr.Error()})
	case errors.As(err, &remoteErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": remoteErr.Msg})
	case errors.As(err, &startupErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": startupErr.Msg})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
