// Package gateway exposes the accounting core over HTTP: transfer
// endpoints for the transport layer, admin endpoints for configuration,
// read endpoints, and a websocket stream of accounting events.
package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgegate/internal/auth"
	"github.com/terminal-bench/bridgegate/internal/fees"
	"github.com/terminal-bench/bridgegate/internal/ratelimit"
	"github.com/terminal-bench/bridgegate/internal/registry"
	"github.com/terminal-bench/bridgegate/internal/settlement"
	"github.com/terminal-bench/bridgegate/internal/transfer"
	"github.com/terminal-bench/bridgegate/pkg/circuit"
	"github.com/terminal-bench/bridgegate/pkg/messaging"
)

// Gateway is the HTTP surface of the accounting core.
type Gateway struct {
	router    *gin.Engine
	transfers *transfer.Service
	store     *ratelimit.Store
	registry  *registry.Registry
	fees      *fees.Calculator
	ledger    *settlement.Ledger
	tokens    *auth.Service
	msgClient *messaging.Client

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// New wires the gateway. msgClient may be nil; the websocket stream is
// then disabled.
func New(
	transfers *transfer.Service,
	store *ratelimit.Store,
	reg *registry.Registry,
	calc *fees.Calculator,
	ledger *settlement.Ledger,
	tokens *auth.Service,
	msgClient *messaging.Client,
) *Gateway {
	g := &Gateway{
		router:    gin.Default(),
		transfers: transfers,
		store:     store,
		registry:  reg,
		fees:      calc,
		ledger:    ledger,
		tokens:    tokens,
		msgClient: msgClient,
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		// Transfer paths, driven by the transport layer.
		v1.POST("/transfers/debit", g.authMiddleware(auth.RoleRelayer), g.debit)
		v1.POST("/transfers/credit", g.authMiddleware(auth.RoleRelayer), g.credit)

		// Read surface.
		v1.GET("/limits", g.getLimits)
		v1.GET("/limits/:edge", g.getLimit)
		v1.GET("/exemptions", g.getExemptions)
		v1.GET("/exemptions/:identity", g.getExemption)
		v1.GET("/overrides", g.getOverrides)
		v1.GET("/overrides/:guid", g.getOverride)

		// Administrative surface.
		admin := v1.Group("/admin", g.authMiddleware())
		{
			admin.PUT("/limits", g.setLimits)
			admin.POST("/exemptions", g.setExemptions)
			admin.POST("/overrides", g.setOverrides)
			admin.PUT("/fees", g.setFees)
			admin.GET("/fees/accrued", g.getAccruedFee)
			admin.GET("/tvl", g.getTVL)
			admin.GET("/entries/:identity", g.getEntries)
			admin.POST("/fees/withdraw", g.withdrawFee)
			admin.POST("/pause", g.pause)
			admin.POST("/unpause", g.unpause)
		}

		// Event stream for observers.
		v1.GET("/ws", g.handleWebSocket)
	}
}

// Run starts serving on addr.
func (g *Gateway) Run(addr string) error {
	return g.router.Run(addr)
}

// Handler exposes the router for embedding in an http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

// authMiddleware verifies the bearer token. With no roles listed only
// admins pass; listed roles (and admins) pass otherwise.
func (g *Gateway) authMiddleware(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.tokens.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if err := auth.RequireRole(claims, roles...); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type debitRequest struct {
	Sender       string `json:"sender"`
	Amount       string `json:"amount" binding:"required"`
	MinAmountOut string `json:"min_amount_out"`
	DstEdge      uint32 `json:"dst_edge" binding:"required"`
}

func (g *Gateway) debit(c *gin.Context) {
	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	minOut := decimal.Zero
	if req.MinAmountOut != "" {
		if minOut, err = decimal.NewFromString(req.MinAmountOut); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_amount_out"})
			return
		}
	}

	sender := req.Sender
	if sender == "" {
		sender = g.claims(c).Identity
	}

	settled, received, err := g.transfers.Debit(c.Request.Context(), sender, amount, minOut, req.DstEdge)
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"amount_settled":  settled.String(),
		"amount_received": received.String(),
	})
}

type creditRequest struct {
	GUID      string `json:"guid" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	SrcEdge   uint32 `json:"src_edge" binding:"required"`
}

func (g *Gateway) credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	guid, err := registry.ParseGUID(req.GUID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guid"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	settled, err := g.transfers.Credit(c.Request.Context(), guid, req.Recipient, amount, req.SrcEdge)
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"amount_settled": settled.String()})
}

type setLimitsRequest struct {
	Limits []ratelimit.LimitConfig `json:"limits" binding:"required"`
}

func (g *Gateway) setLimits(c *gin.Context) {
	var req setLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g.store.SetLimits(c.Request.Context(), req.Limits)
	g.publishEvent(c, messaging.EventTypeLimitsUpdated, gin.H{"limits": req.Limits})

	c.JSON(http.StatusOK, gin.H{"updated": len(req.Limits)})
}

type setExemptionsRequest struct {
	Entries []registry.ExemptionUpdate `json:"entries" binding:"required"`
}

func (g *Gateway) setExemptions(c *gin.Context) {
	var req setExemptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	changed := g.registry.SetExemptions(req.Entries)
	for _, u := range changed {
		g.publishEvent(c, messaging.EventTypeExemptionUpdated, messaging.ExemptionUpdatedEvent{
			Identity: u.Identity,
			Exempt:   u.Exempt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"changed": len(changed)})
}

type overrideEntry struct {
	GUID        string `json:"guid" binding:"required"`
	CanOverride bool   `json:"can_override"`
}

type setOverridesRequest struct {
	Entries []overrideEntry `json:"entries" binding:"required"`
}

func (g *Gateway) setOverrides(c *gin.Context) {
	var req setOverridesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	updates := make([]registry.OverrideUpdate, 0, len(req.Entries))
	for _, e := range req.Entries {
		guid, err := registry.ParseGUID(e.GUID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guid: " + e.GUID})
			return
		}
		updates = append(updates, registry.OverrideUpdate{GUID: guid, CanOverride: e.CanOverride})
	}

	changed := g.registry.SetOverrides(updates)
	for _, u := range changed {
		g.publishEvent(c, messaging.EventTypeOverrideUpdated, messaging.OverrideUpdatedEvent{
			GUID:        u.GUID.String(),
			CanOverride: u.CanOverride,
		})
	}

	c.JSON(http.StatusOK, gin.H{"changed": len(changed)})
}

type feeEntry struct {
	Edge   uint32 `json:"edge"`
	FeeBps int64  `json:"fee_bps"`
}

type setFeesRequest struct {
	Entries []feeEntry `json:"entries" binding:"required"`
}

func (g *Gateway) setFees(c *gin.Context) {
	var req setFeesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	for _, e := range req.Entries {
		g.fees.SetEdgeFee(e.Edge, e.FeeBps)
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(req.Entries)})
}

func (g *Gateway) getAccruedFee(c *gin.Context) {
	accrued, err := g.ledger.AccruedFee(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read accrued fee"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accrued": accrued.String()})
}

func (g *Gateway) getTVL(c *gin.Context) {
	tvl, err := g.ledger.TVL(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read tvl"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tvl": tvl.String(), "mode": g.ledger.Mode()})
}

func (g *Gateway) getEntries(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := g.ledger.Entries(c.Request.Context(), c.Param("identity"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type withdrawFeeRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount" binding:"required"`
}

func (g *Gateway) withdrawFee(c *gin.Context) {
	var req withdrawFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := g.ledger.WithdrawFee(c.Request.Context(), req.To, amount); err != nil {
		g.renderError(c, err)
		return
	}

	g.publishEvent(c, messaging.EventTypeFeeWithdrawn, messaging.FeeWithdrawnEvent{
		To:     req.To,
		Amount: amount.String(),
	})
	c.JSON(http.StatusOK, gin.H{"withdrawn": amount.String()})
}

func (g *Gateway) pause(c *gin.Context) {
	g.transfers.Pause(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (g *Gateway) unpause(c *gin.Context) {
	g.transfers.Unpause(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (g *Gateway) getLimits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"limits": g.store.States()})
}

func (g *Gateway) getLimit(c *gin.Context) {
	edge, err := strconv.ParseUint(c.Param("edge"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid edge"})
		return
	}
	state, ok := g.store.State(uint32(edge))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "edge not configured"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (g *Gateway) getExemptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"identities": g.registry.Exemptions()})
}

func (g *Gateway) getExemption(c *gin.Context) {
	identity := c.Param("identity")
	c.JSON(http.StatusOK, gin.H{
		"identity": identity,
		"exempt":   g.registry.IsExempt(identity),
	})
}

func (g *Gateway) getOverrides(c *gin.Context) {
	guids := g.registry.Overrides()
	out := make([]string, 0, len(guids))
	for _, guid := range guids {
		out = append(out, guid.String())
	}
	c.JSON(http.StatusOK, gin.H{"guids": out})
}

func (g *Gateway) getOverride(c *gin.Context) {
	guid, err := registry.ParseGUID(c.Param("guid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guid"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"guid":         guid.String(),
		"can_override": g.registry.CanOverride(guid),
	})
}

// renderError maps the typed accounting errors onto HTTP responses that
// carry the numeric context the caller needs.
func (g *Gateway) renderError(c *gin.Context, err error) {
	var rateErr *ratelimit.RateLimitExceededError
	if errors.As(err, &rateErr) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "rate_limit_exceeded",
			"edge":      rateErr.Edge,
			"requested": rateErr.Requested.String(),
			"available": rateErr.Available.String(),
		})
		return
	}

	var slipErr *transfer.SlippageExceededError
	if errors.As(err, &slipErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          "slippage_exceeded",
			"received":       slipErr.Received.String(),
			"min_amount_out": slipErr.MinAmountOut.String(),
		})
		return
	}

	var feeErr *settlement.FeeExceededError
	if errors.As(err, &feeErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "exceeds_fee_accrued",
			"requested": feeErr.Requested.String(),
			"available": feeErr.Available.String(),
		})
		return
	}

	var lenErr *registry.LengthMismatchError
	if errors.As(err, &lenErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "input_length_mismatch",
			"a":     lenErr.A,
			"b":     lenErr.B,
		})
		return
	}

	switch {
	case errors.Is(err, settlement.ErrZeroAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "zero_address"})
	case errors.Is(err, settlement.ErrZeroAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "zero_amount"})
	case errors.Is(err, settlement.ErrInsufficientBalance):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_balance"})
	case errors.Is(err, transfer.ErrGatewayPaused):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_paused"})
	case errors.Is(err, circuit.ErrOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement_unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (g *Gateway) claims(c *gin.Context) *auth.Claims {
	if v, ok := c.Get("claims"); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return &auth.Claims{}
}

func (g *Gateway) publishEvent(c *gin.Context, eventType string, data interface{}) {
	if g.msgClient == nil {
		return
	}
	event, err := messaging.NewEvent(eventType, "bridgegate-gateway", data)
	if err != nil {
		return
	}
	g.msgClient.Publish(c.Request.Context(), eventType, event)
}

// Websocket event stream

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StartEventStream forwards published accounting events to websocket
// observers. Call once after the NATS client is connected.
func (g *Gateway) StartEventStream() error {
	if g.msgClient == nil {
		return nil
	}

	subjects := []string{"transfer.>", "ratelimit.>", "registry.>", "fees.>", "gateway.>"}
	for _, subject := range subjects {
		if err := g.msgClient.Subscribe(subject, func(msg *nats.Msg) {
			g.broadcast(msg.Data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	// Observers only listen; reads just detect disconnects.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.send <- message:
		default:
			// Slow observers drop events rather than stalling the stream.
		}
	}
}
