package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

// HandleWebhook ingests one processor delivery. The raw body is read before
// any decoding because signature verification runs over the exact bytes.
func (s *Server) HandleWebhook(c *gin.Context) {
	stream := billingdomain.Stream(strings.TrimSpace(c.Param("stream")))

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.reconcileSvc.ProcessWebhook(c.Request.Context(), stream, payload, c.Request.Header)
	if err != nil {
		switch {
		case errors.Is(err, billingdomain.ErrInvalidSignature),
			errors.Is(err, billingdomain.ErrInvalidStream):
			AbortWithError(c, err)
		case errors.Is(err, billingdomain.ErrEventAlreadyProcessed):
			c.JSON(http.StatusOK, gin.H{"received": true})
		default:
			// Anything else is a store problem; a 5xx makes the
			// processor redeliver.
			AbortWithError(c, ErrServiceUnavailable)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
