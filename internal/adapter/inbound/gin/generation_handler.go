package gin

import (
	"net/http"

	"github.com/beverly/tryon-server/internal/module/generation"
	"github.com/beverly/tryon-server/internal/module/quota"
	"github.com/gin-gonic/gin"
)

// GenerationHandler exposes the generation orchestrator over HTTP. It
// is the binding point for the conversational layer, which posts a
// completed selection here once a user is ready to generate.
type GenerationHandler struct {
	service *generation.Service
	quota   *quota.Manager
}

// NewGenerationHandler creates a new generation handler.
func NewGenerationHandler(service *generation.Service, quota *quota.Manager) *GenerationHandler {
	return &GenerationHandler{service: service, quota: quota}
}

// RegisterRoutes registers the handler routes on the given group.
func (h *GenerationHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/generate", h.Generate)
	rg.GET("/quota/:user", h.Quota)
}

// generateRequest is the inbound request body. Image fields are
// standard-base64 encoded.
type generateRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	Product      string `json:"product" binding:"required"`
	Color        string `json:"color" binding:"required"`
	Print        string `json:"print" binding:"required"`
	PersonImage  []byte `json:"person_image"`
	PersonMIME   string `json:"person_mime"`
	GarmentImage []byte `json:"garment_image"`
	GarmentMIME  string `json:"garment_mime"`
}

type quotaBody struct {
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

type generateResponse struct {
	Outcome string     `json:"outcome"`
	Image   []byte     `json:"image,omitempty"`
	Quota   *quotaBody `json:"quota,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Generate runs one generation attempt for the given user.
func (h *GenerationHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sel := &generation.Selection{
		Product:      req.Product,
		Color:        req.Color,
		Print:        req.Print,
		PersonImage:  req.PersonImage,
		PersonMIME:   req.PersonMIME,
		GarmentImage: req.GarmentImage,
		GarmentMIME:  req.GarmentMIME,
	}

	outcome := h.service.RequestGeneration(c.Request.Context(), req.UserID, sel)

	switch outcome.Status {
	case generation.OutcomeDelivered:
		c.JSON(http.StatusOK, generateResponse{
			Outcome: string(outcome.Status),
			Image:   outcome.Payload,
			Quota:   decisionBody(outcome.Quota),
		})
	case generation.OutcomeDenied:
		c.JSON(http.StatusTooManyRequests, generateResponse{
			Outcome: string(outcome.Status),
			Quota:   decisionBody(outcome.Quota),
		})
	default:
		c.JSON(http.StatusBadGateway, generateResponse{
			Outcome: string(outcome.Status),
			Quota:   decisionBody(outcome.Quota),
			Error:   outcome.Err,
		})
	}
}

// Quota reports the user's current usage without charging an attempt.
func (h *GenerationHandler) Quota(c *gin.Context) {
	user := c.Param("user")
	dec, err := h.quota.Usage(c.Request.Context(), user)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota store unavailable"})
		return
	}
	c.JSON(http.StatusOK, decisionBody(dec))
}

func decisionBody(dec quota.Decision) *quotaBody {
	return &quotaBody{
		Used:      dec.Used,
		Remaining: dec.Remaining,
		Limit:     dec.Limit,
	}
}
