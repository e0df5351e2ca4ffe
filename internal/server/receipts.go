package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

func (s *Server) HandleDonationReceipt(c *gin.Context) {
	recordID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, billingdomain.ErrRecordNotFound)
		return
	}

	record, err := s.recordsSvc.GetByID(c.Request.Context(), recordID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pdf, err := s.receiptSvc.Generate(c.Request.Context(), record)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", `attachment; filename="donation-receipt-`+recordID.String()+`.pdf"`)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, pdf)
}
