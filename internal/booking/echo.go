package booking

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterEcho mounts the demo routes on e.
func (s *Service) RegisterEcho(e *echo.Echo) {
	e.POST("/holds", s.echoCreateHold)
	e.GET("/holds/:id", s.echoGetHold)
	e.POST("/invoices/drafts", s.echoCreateDraft)
	e.POST("/payments", s.echoCreatePayment)
}

func (s *Service) echoCreateHold(c echo.Context) error {
	var req HoldRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorJSON(err))
	}
	h, err := s.CreateHold(req)
	if err != nil {
		return c.JSON(statusOf(err), errorJSON(err))
	}
	return c.JSON(http.StatusCreated, h)
}

func (s *Service) echoGetHold(c echo.Context) error {
	h, err := s.GetHold(c.Param("id"))
	if err != nil {
		return c.JSON(statusOf(err), errorJSON(err))
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Service) echoCreateDraft(c echo.Context) error {
	var req DraftRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, errorJSON(err))
	}
	d, err := s.CreateDraft(req)
	if err != nil {
		return c.JSON(statusOf(err), errorJSON(err))
	}
	return c.JSON(http.StatusCreated, d)
}

func (s *Service) echoCreatePayment(c echo.Context) error {
	var req PaymentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorJSON(err))
	}
	p, err := s.CreatePayment(req)
	if err != nil {
		return c.JSON(statusOf(err), errorJSON(err))
	}
	return c.JSON(http.StatusCreated, p)
}
