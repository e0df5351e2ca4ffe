package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

type donationCheckoutRequest struct {
	Donor          *billingdomain.DonorInfo `json:"donor"`
	Plan           string                   `json:"plan"`
	Frequency      string                   `json:"frequency"`
	ShowOnNameWall bool                     `json:"show_on_name_wall"`
	SuccessURL     string                   `json:"success_url"`
	CancelURL      string                   `json:"cancel_url"`
}

type shopCheckoutRequest struct {
	Plan       string `json:"plan"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// HandleDonationCheckout starts a donation checkout. An authenticated
// member arrives with X-Member-Id set by the auth layer in front of this
// service; without it the donation is anonymous.
func (s *Server) HandleDonationCheckout(c *gin.Context) {
	if !s.allowCheckout(c) {
		return
	}

	var req donationCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	start := billingdomain.StartCheckoutRequest{
		Stream:         billingdomain.StreamDonation,
		Donor:          req.Donor,
		Plan:           req.Plan,
		Frequency:      parseFrequency(req.Frequency),
		ShowOnNameWall: req.ShowOnNameWall,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
	}

	if memberHeader := strings.TrimSpace(c.GetHeader("X-Member-Id")); memberHeader != "" {
		memberID, err := snowflake.ParseString(memberHeader)
		if err != nil {
			AbortWithError(c, billingdomain.ErrInvalidSubject)
			return
		}
		start.MemberID = &memberID
		// The donor snapshot only applies to anonymous donations.
		start.Donor = nil
	}

	resp, err := s.checkoutSvc.Start(c.Request.Context(), start)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleShopSubscriptionCheckout starts a subscription checkout for the
// shop in the path. Shop subscriptions are always recurring.
func (s *Server) HandleShopSubscriptionCheckout(c *gin.Context) {
	if !s.allowCheckout(c) {
		return
	}

	shopID, err := snowflake.ParseString(strings.TrimSpace(c.Param("shop_id")))
	if err != nil {
		AbortWithError(c, billingdomain.ErrInvalidSubject)
		return
	}

	var req shopCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.checkoutSvc.Start(c.Request.Context(), billingdomain.StartCheckoutRequest{
		Stream:     billingdomain.StreamShopSubscription,
		ShopID:     &shopID,
		Plan:       req.Plan,
		Frequency:  billingdomain.FrequencyRecurring,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) allowCheckout(c *gin.Context) bool {
	if s.checkoutLimiter == nil {
		return true
	}
	if s.checkoutLimiter.Allow(c.Request.Context(), c.ClientIP()) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
		Type:    "rate_limited",
		Message: "too many checkout attempts",
	}})
	return false
}

func parseFrequency(raw string) billingdomain.Frequency {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "recurring", "monthly":
		return billingdomain.FrequencyRecurring
	case "one_time", "once", "":
		return billingdomain.FrequencyOneTime
	default:
		return billingdomain.Frequency(raw)
	}
}
