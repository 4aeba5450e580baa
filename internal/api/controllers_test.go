package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/internal/engine"
	"trading-desk/internal/order"
	"trading-desk/internal/state"
	"trading-desk/internal/strategy"
)

// fakeEngine answers with canned values and records what it was asked.
type fakeEngine struct {
	handle    strategy.Handle
	handleErr error
	result    order.Result
	orderErr  error
	submitted []order.BasketOrder
	stopWith  time.Duration
	store     *state.Store
	healthy   bool
}

func (f *fakeEngine) StartStrategy(_ context.Context, name string) (strategy.Handle, error) {
	return f.named(name), f.handleErr
}

func (f *fakeEngine) StopStrategy(_ context.Context, name string, timeout time.Duration) (strategy.Handle, error) {
	f.stopWith = timeout
	return f.named(name), f.handleErr
}

func (f *fakeEngine) StrategyStatus(name string) (strategy.Handle, error) {
	if f.handleErr != nil {
		return strategy.Handle{}, f.handleErr
	}
	return f.named(name), nil
}

func (f *fakeEngine) named(name string) strategy.Handle {
	h := f.handle
	if h.Name == "" && f.handleErr == nil {
		h.Name = name
	}
	return h
}

func (f *fakeEngine) ListStrategies() []strategy.Handle { return []strategy.Handle{f.handle} }

func (f *fakeEngine) GetState() engine.StateView {
	return engine.StateView{View: f.store.Read().View(), Strategies: f.ListStrategies()}
}

func (f *fakeEngine) Subscribe(buffer int) (<-chan *state.Snapshot, func()) {
	return f.store.Subscribe(buffer)
}

func (f *fakeEngine) SubmitOrder(_ context.Context, b order.BasketOrder) (order.Result, error) {
	f.submitted = append(f.submitted, b)
	r := f.result
	if r.ID == "" {
		r = order.Result{ID: b.ID, Intent: b.Intent, Status: order.StatusFilled}
	}
	return r, f.orderErr
}

func (f *fakeEngine) GetOrder(id string) (order.Result, error) {
	if f.orderErr != nil {
		return order.Result{}, f.orderErr
	}
	return order.Result{ID: id, Status: order.StatusFilled}, nil
}

func (f *fakeEngine) CancelOrder(_ context.Context, id string) (order.Result, error) {
	return f.result, f.orderErr
}

func (f *fakeEngine) GetSystemStatus(context.Context) engine.SystemStatus {
	return engine.SystemStatus{Version: "test", Healthy: f.healthy}
}

func newTestAPI(t *testing.T, secret string) (*Server, *fakeEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	eng := &fakeEngine{
		handle:  strategy.Handle{Name: "mr-1", Kind: "mean_revert", State: strategy.StateRunning},
		store:   state.NewStore(zerolog.Nop()),
		healthy: true,
	}
	return NewServer(eng, Options{JWTSecret: secret, RateLimit: 1000, RateBurst: 1000}, zerolog.Nop()), eng
}

func doJSON(t *testing.T, srv *Server, method, path, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func validBasket(id string) map[string]any {
	return map[string]any{
		"id":               id,
		"execution_intent": "ENTRY",
		"legs": []map[string]any{
			{"symbol": "btcusdt", "side": "BUY", "quantity": "1.5", "order_type": "MARKET"},
		},
	}
}

func TestGetStateReturnsSnapshotAndStrategies(t *testing.T) {
	srv, eng := newTestAPI(t, "")
	_, err := eng.store.Publish(state.Update{Source: "test", Prices: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(1)}})
	require.NoError(t, err)

	var body struct {
		Version    uint64            `json:"version"`
		Positions  []json.RawMessage `json:"positions"`
		Strategies []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"strategies"`
	}
	status := doJSON(t, srv, http.MethodGet, "/state", "", nil, &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(1), body.Version)
	require.Len(t, body.Strategies, 1)
	assert.Equal(t, "RUNNING", body.Strategies[0].Status)
}

func TestCreateOrderNormalizesAndSubmits(t *testing.T) {
	srv, eng := newTestAPI(t, "")

	var body struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Duplicate bool   `json:"duplicate"`
	}
	status := doJSON(t, srv, http.MethodPost, "/orders", "", validBasket("b-1"), &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "b-1", body.ID)
	assert.False(t, body.Duplicate)

	require.Len(t, eng.submitted, 1)
	leg := eng.submitted[0].Legs[0]
	assert.Equal(t, "BTCUSDT", leg.Symbol)
	assert.True(t, leg.Quantity.Equal(decimal.RequireFromString("1.5")))
}

// pipelineEngine routes order submission through a real pipeline over a
// paper broker; everything else comes from fakeEngine.
type pipelineEngine struct {
	*fakeEngine
	pipeline *order.Pipeline
}

func (p pipelineEngine) SubmitOrder(ctx context.Context, b order.BasketOrder) (order.Result, error) {
	return p.pipeline.Submit(ctx, b)
}

type flatPrice struct{}

func (flatPrice) LatestPrice(string) (decimal.Decimal, bool) { return decimal.NewFromInt(100), true }

func TestCreateOrderCompletesAfterClientDisconnect(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fake := &fakeEngine{store: state.NewStore(zerolog.Nop()), healthy: true}
	broker := order.NewPaperBroker(flatPrice{}, order.PaperConfig{}, zerolog.Nop())
	eng := pipelineEngine{
		fakeEngine: fake,
		pipeline:   order.NewPipeline(broker, fake.store, nil, order.Config{}, zerolog.Nop()),
	}
	srv := NewServer(eng, Options{RateLimit: 1000, RateBurst: 1000}, zerolog.Nop())

	payload, err := json.Marshal(validBasket("left"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(payload)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	var first orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first), rec.Body.String())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, order.StatusFilled, first.Status)
	pos, ok := fake.store.Read().Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("1.5")))

	var again struct {
		Status    string `json:"status"`
		Duplicate bool   `json:"duplicate"`
	}
	status := doJSON(t, srv, http.MethodPost, "/orders", "", validBasket("left"), &again)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, again.Duplicate)
	assert.Equal(t, string(order.StatusFilled), again.Status)
}

func TestCreateOrderRejectsMalformedPayloads(t *testing.T) {
	srv, eng := newTestAPI(t, "")

	cases := map[string]any{
		"no id":         map[string]any{"execution_intent": "ENTRY", "legs": []any{map[string]any{"symbol": "X", "side": "BUY", "quantity": 1, "order_type": "MARKET"}}},
		"bad intent":    map[string]any{"id": "x", "execution_intent": "HEDGE", "legs": []any{map[string]any{"symbol": "X", "side": "BUY", "quantity": 1, "order_type": "MARKET"}}},
		"no legs":       map[string]any{"id": "x", "execution_intent": "ENTRY", "legs": []any{}},
		"bad side":      map[string]any{"id": "x", "execution_intent": "ENTRY", "legs": []any{map[string]any{"symbol": "X", "side": "HOLD", "quantity": 1, "order_type": "MARKET"}}},
		"zero quantity": map[string]any{"id": "x", "execution_intent": "ENTRY", "legs": []any{map[string]any{"symbol": "X", "side": "BUY", "quantity": 0, "order_type": "MARKET"}}},
		"limit no px":   map[string]any{"id": "x", "execution_intent": "EXIT", "legs": []any{map[string]any{"symbol": "X", "side": "SELL", "quantity": 1, "order_type": "LIMIT"}}},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var body struct {
				Code string `json:"code"`
			}
			status := doJSON(t, srv, http.MethodPost, "/orders", "", payload, &body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.NotEmpty(t, body.Code)
		})
	}
	assert.Empty(t, eng.submitted)
}

func TestCreateOrderErrorMapping(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		code      string
		duplicate bool
	}{
		{order.ErrDuplicateSubmission, http.StatusOK, "", true},
		{fmt.Errorf("%w: BTCUSDT", order.ErrNoOpenPosition), http.StatusUnprocessableEntity, "NO_OPEN_POSITION", false},
		{&order.SubmitError{Err: order.ErrBrokerRejected}, http.StatusUnprocessableEntity, "BROKER_REJECTED", false},
		{&order.SubmitError{Err: order.ErrRetriesExhausted}, http.StatusBadGateway, "RETRIES_EXHAUSTED", false},
		{&order.SubmitError{Err: order.ErrValidation}, http.StatusBadRequest, "INVALID_ORDER", false},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			srv, eng := newTestAPI(t, "")
			eng.result = order.Result{ID: "b-1", Status: order.StatusRejected}
			eng.orderErr = tc.err

			var body struct {
				ID        string `json:"id"`
				Code      string `json:"code"`
				Duplicate bool   `json:"duplicate"`
			}
			status := doJSON(t, srv, http.MethodPost, "/orders", "", validBasket("b-1"), &body)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, body.Code)
			assert.Equal(t, tc.duplicate, body.Duplicate)
			assert.Equal(t, "b-1", body.ID)
		})
	}
}

func TestStrategyEndpoints(t *testing.T) {
	srv, eng := newTestAPI(t, "")

	var h struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/strategies/mr-1", "", nil, &h))
	assert.Equal(t, "mr-1", h.Name)

	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/strategies/mr-1/stop?timeout=2s", "", nil, &h))
	assert.Equal(t, 2*time.Second, eng.stopWith)

	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/strategies/mr-1/stop?timeout=3", "", nil, &h))
	assert.Equal(t, 3*time.Second, eng.stopWith)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, srv, http.MethodPost, "/strategies/mr-1/stop?timeout=soon", "", nil, nil))

	var list struct {
		Strategies []json.RawMessage `json:"strategies"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/strategies", "", nil, &list))
	assert.Len(t, list.Strategies, 1)
}

func TestStrategyErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		path   string
		status int
	}{
		{fmt.Errorf("%w: ghost", strategy.ErrNotFound), "/strategies/ghost/start", http.StatusNotFound},
		{fmt.Errorf("%w: mr-1 is RUNNING", strategy.ErrAlreadyRunning), "/strategies/mr-1/start", http.StatusConflict},
		{fmt.Errorf("%w: mr-1 is STOPPED", strategy.ErrNotRunning), "/strategies/mr-1/stop", http.StatusConflict},
		{fmt.Errorf("%w: mr-1 after 1s", strategy.ErrStopTimeout), "/strategies/mr-1/stop", http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.path+" "+tc.err.Error(), func(t *testing.T) {
			srv, eng := newTestAPI(t, "")
			eng.handleErr = tc.err
			if !strings.Contains(tc.err.Error(), "ghost") {
				eng.handle = strategy.Handle{Name: "mr-1", State: strategy.StateFailed, LastError: "stop timed out"}
			}
			var body struct {
				Code  string `json:"code"`
				Error string `json:"error"`
			}
			assert.Equal(t, tc.status, doJSON(t, srv, http.MethodPost, tc.path, "", nil, &body))
			assert.NotEmpty(t, body.Code)
		})
	}
}

func TestOrderLookupAndCancel(t *testing.T) {
	srv, eng := newTestAPI(t, "")

	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/orders/b-1", "", nil, nil))

	eng.orderErr = fmt.Errorf("%w: b-2", order.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodGet, "/orders/b-2", "", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodDelete, "/orders/b-2", "", nil, nil))

	eng.orderErr = order.ErrNotCancellable
	eng.result = order.Result{ID: "b-1", Status: order.StatusFilled}
	assert.Equal(t, http.StatusConflict, doJSON(t, srv, http.MethodDelete, "/orders/b-1", "", nil, nil))

	eng.orderErr = nil
	eng.result = order.Result{ID: "b-1", Status: order.StatusCancelled}
	var body struct {
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodDelete, "/orders/b-1", "", nil, &body))
	assert.Equal(t, "CANCELLED", body.Status)
}

func TestAuthGuardsMutatingRoutes(t *testing.T) {
	const secret = "test-secret"
	srv, _ := newTestAPI(t, secret)

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, srv, http.MethodPost, "/orders", "", validBasket("b-1"), nil))
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, srv, http.MethodPost, "/orders", "garbage", validBasket("b-1"), nil))

	expired := signToken(t, secret, time.Now().Add(-time.Minute))
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, srv, http.MethodPost, "/strategies/mr-1/start", expired, nil, nil))

	wrongKey := signToken(t, "other", time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, srv, http.MethodPost, "/strategies/mr-1/start", wrongKey, nil, nil))

	good := signToken(t, secret, time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/orders", good, validBasket("b-1"), nil))

	// reads stay open
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/state", "", nil, nil))
}

func signToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestHealthAndMetrics(t *testing.T) {
	srv, eng := newTestAPI(t, "")
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/health", "", nil, nil))
	eng.healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, srv, http.MethodGet, "/health", "", nil, nil))

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "desk_http_requests_total")
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _ := newTestAPI(t, "")
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRateLimitRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	eng := &fakeEngine{store: state.NewStore(zerolog.Nop()), healthy: true}
	srv := NewServer(eng, Options{RateLimit: 0.001, RateBurst: 2}, zerolog.Nop())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, doJSON(t, srv, http.MethodGet, "/strategies", "", nil, nil))
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestWebsocketPushesSnapshots(t *testing.T) {
	srv, eng := newTestAPI(t, "")
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first struct {
		Version    uint64            `json:"version"`
		Strategies []json.RawMessage `json:"strategies"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, uint64(0), first.Version)
	assert.Len(t, first.Strategies, 1)

	// the subscription is registered before the first write
	_, err = eng.store.Publish(state.Update{Source: "test", Prices: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(2)}})
	require.NoError(t, err)

	var next struct {
		Version uint64 `json:"version"`
	}
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, uint64(1), next.Version)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
	}
	for _, tt := range tests {
		got, err := bearerToken(tt.header)
		if !tt.ok {
			assert.ErrorIs(t, err, errNoBearer, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}
}
