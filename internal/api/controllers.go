package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"trading-desk/internal/order"
	"trading-desk/internal/strategy"
	"trading-desk/pkg/exchanges/common"
)

type orderLegRequest struct {
	Symbol    string          `json:"symbol" binding:"required,min=1,max=32"`
	Side      string          `json:"side" binding:"required,oneof=BUY SELL buy sell"`
	Quantity  decimal.Decimal `json:"quantity"`
	OrderType string          `json:"order_type" binding:"required,oneof=MARKET LIMIT market limit"`
	Price     decimal.Decimal `json:"price"`
}

type createOrderRequest struct {
	ID       string            `json:"id" binding:"required,min=1,max=128"`
	Legs     []orderLegRequest `json:"legs" binding:"required,min=1,dive"`
	Intent   string            `json:"execution_intent" binding:"required,oneof=ENTRY EXIT entry exit"`
	Strategy string            `json:"strategy" binding:"max=120"`
}

func (r createOrderRequest) basket() order.BasketOrder {
	legs := make([]order.OrderLeg, len(r.Legs))
	for i, l := range r.Legs {
		legs[i] = order.OrderLeg{
			Symbol:    strings.ToUpper(l.Symbol),
			Side:      common.Side(strings.ToUpper(l.Side)),
			Quantity:  l.Quantity,
			OrderType: common.OrderType(strings.ToUpper(l.OrderType)),
			Price:     l.Price,
		}
	}
	return order.BasketOrder{
		ID:          r.ID,
		Legs:        legs,
		Intent:      order.Intent(strings.ToUpper(r.Intent)),
		Strategy:    r.Strategy,
		SubmittedAt: time.Now(),
	}
}

type orderResponse struct {
	order.Result
	Duplicate bool   `json:"duplicate,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type strategyResponse struct {
	strategy.Handle
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrValidation):
		return http.StatusBadRequest, "INVALID_ORDER"
	case errors.Is(err, order.ErrNotFound), errors.Is(err, strategy.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, strategy.ErrAlreadyRunning):
		return http.StatusConflict, "ALREADY_RUNNING"
	case errors.Is(err, strategy.ErrNotRunning):
		return http.StatusConflict, "NOT_RUNNING"
	case errors.Is(err, order.ErrNotCancellable):
		return http.StatusConflict, "NOT_CANCELLABLE"
	case errors.Is(err, order.ErrNoOpenPosition):
		return http.StatusUnprocessableEntity, "NO_OPEN_POSITION"
	case errors.Is(err, order.ErrRiskLimit):
		return http.StatusUnprocessableEntity, "RISK_LIMIT"
	case errors.Is(err, order.ErrBrokerRejected):
		return http.StatusUnprocessableEntity, "BROKER_REJECTED"
	case errors.Is(err, strategy.ErrStopTimeout):
		return http.StatusGatewayTimeout, "STOP_TIMEOUT"
	case errors.Is(err, order.ErrRetriesExhausted):
		return http.StatusBadGateway, "RETRIES_EXHAUSTED"
	case errors.Is(err, strategy.ErrFactory):
		return http.StatusInternalServerError, "START_FAILED"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// getState returns one consistent snapshot plus the strategy handles.
func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetState())
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.Engine.ListStrategies()})
}

func (s *Server) getStrategy(c *gin.Context) {
	h, err := s.Engine.StrategyStatus(c.Param("name"))
	if err != nil {
		s.respondStrategy(c, h, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) startStrategy(c *gin.Context) {
	h, err := s.Engine.StartStrategy(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondStrategy(c, h, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// stopStrategy accepts ?timeout= as a Go duration ("2s") or whole seconds.
func (s *Server) stopStrategy(c *gin.Context) {
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		d, err := parseTimeout(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_TIMEOUT", err.Error())
			return
		}
		timeout = d
	}
	h, err := s.Engine.StopStrategy(c.Request.Context(), c.Param("name"), timeout)
	if err != nil {
		s.respondStrategy(c, h, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func parseTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		if secs, convErr := strconv.Atoi(raw); convErr == nil {
			d, err = time.Duration(secs)*time.Second, nil
		}
	}
	if err != nil {
		return 0, errors.New("timeout must be a duration such as 2s")
	}
	if d <= 0 || d > 5*time.Minute {
		return 0, errors.New("timeout must be between 0 and 5m")
	}
	return d, nil
}

func (s *Server) respondStrategy(c *gin.Context, h strategy.Handle, err error) {
	status, code := statusFor(err)
	if h.Name == "" {
		respondError(c, status, code, err.Error())
		return
	}
	c.JSON(status, strategyResponse{Handle: h, Code: code, Error: err.Error()})
}

// createOrder submits a basket. A repeated id answers 200 with the original
// result and duplicate=true.
func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload: "+err.Error())
		return
	}
	b := req.basket()
	if rej := order.Validate(b); len(rej) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":       "INVALID_ORDER",
			"error":      "basket failed validation",
			"rejections": rej,
		})
		return
	}

	res, err := s.Engine.SubmitOrder(c.Request.Context(), b)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, orderResponse{Result: res})
	case errors.Is(err, order.ErrDuplicateSubmission):
		c.JSON(http.StatusOK, orderResponse{Result: res, Duplicate: true})
	default:
		status, code := statusFor(err)
		c.JSON(status, orderResponse{Result: res, Code: code, Error: err.Error()})
	}
}

func (s *Server) getOrder(c *gin.Context) {
	res, err := s.Engine.GetOrder(c.Param("id"))
	if err != nil {
		status, code := statusFor(err)
		respondError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cancelOrder(c *gin.Context) {
	res, err := s.Engine.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := statusFor(err)
		if res.ID == "" {
			respondError(c, status, code, err.Error())
			return
		}
		if status == http.StatusInternalServerError {
			status, code = http.StatusBadGateway, "CANCEL_FAILED"
		}
		c.JSON(status, orderResponse{Result: res, Code: code, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) health(c *gin.Context) {
	st := s.Engine.GetSystemStatus(c.Request.Context())
	status := http.StatusOK
	if !st.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, st)
}
