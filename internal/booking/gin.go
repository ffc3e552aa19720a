package booking

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterGin mounts the demo routes on r.
func (s *Service) RegisterGin(r gin.IRoutes) {
	r.POST("/holds", s.ginCreateHold)
	r.GET("/holds/:id", s.ginGetHold)
	r.POST("/invoices/drafts", s.ginCreateDraft)
	r.POST("/payments", s.ginCreatePayment)
}

func (s *Service) ginCreateHold(c *gin.Context) {
	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON(err))
		return
	}
	h, err := s.CreateHold(req)
	if err != nil {
		c.JSON(statusOf(err), errorJSON(err))
		return
	}
	c.JSON(http.StatusCreated, h)
}

func (s *Service) ginGetHold(c *gin.Context) {
	h, err := s.GetHold(c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), errorJSON(err))
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Service) ginCreateDraft(c *gin.Context) {
	var req DraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON(err))
		return
	}
	d, err := s.CreateDraft(req)
	if err != nil {
		c.JSON(statusOf(err), errorJSON(err))
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Service) ginCreatePayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON(err))
		return
	}
	p, err := s.CreatePayment(req)
	if err != nil {
		c.JSON(statusOf(err), errorJSON(err))
		return
	}
	c.JSON(http.StatusCreated, p)
}

func statusOf(err error) int {
	var invalid *InvalidError
	switch {
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func errorJSON(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var invalid *InvalidError
	if errors.As(err, &invalid) {
		body["fields"] = invalid.Fields
	}
	return body
}
