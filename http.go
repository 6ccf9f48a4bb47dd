package chainsense

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type saveRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type loadRequest struct {
	CID      string `json:"cid"`
	Password string `json:"password"`
	UserID   string `json:"userId"`
}

type paymentRequest struct {
	TxHash string `json:"txHash"`
	UserID string `json:"userId"`
}

// Router 构建HTTP路由
func (a *Chainsense) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(a.logger.Named("HTTP")))
	if len(a.config.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  a.config.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Type", requestIDHeader},
			ExposeHeaders: []string{requestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}
	if a.config.RateLimit > 0 {
		r.Use(rateLimit(newClientLimiter(a.config.RateLimit, a.config.RateBurst)))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/chat", a.handleChatAPI)
	api.POST("/save", a.handleSaveAPI)
	api.POST("/load", a.handleLoadAPI)
	api.POST("/check-payment", a.handleCheckPaymentAPI)
	api.POST("/reset-usage", a.handleResetUsageAPI)
	api.GET("/usage/:userId", a.handleUsageAPI)

	return r
}

func (a *Chainsense) handleChatAPI(c *gin.Context) {
	var req chatRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.UserID == "" {
		writeError(c, a.logger, validationError("UserId is required"))
		return
	}
	if req.Message == "" {
		writeError(c, a.logger, validationError("Message is required"))
		return
	}

	reply, err := a.Handle(c.Request.Context(), req.UserID, req.Message)
	if err != nil {
		writeError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (a *Chainsense) handleSaveAPI(c *gin.Context) {
	var req saveRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.UserID == "" {
		writeError(c, a.logger, validationError("UserId is required"))
		return
	}
	if req.Password == "" {
		writeError(c, a.logger, validationError("Password is required"))
		return
	}

	message, err := a.Save(c.Request.Context(), req.UserID, req.Password)
	if err != nil {
		writeError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

func (a *Chainsense) handleLoadAPI(c *gin.Context) {
	var req loadRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.UserID == "" {
		writeError(c, a.logger, validationError("UserId is required"))
		return
	}
	if req.CID == "" || req.Password == "" {
		writeError(c, a.logger, validationError("CID and password are required"))
		return
	}

	message, err := a.Load(c.Request.Context(), req.UserID, req.CID, req.Password)
	if err != nil {
		writeError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

func (a *Chainsense) handleCheckPaymentAPI(c *gin.Context) {
	var req paymentRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := a.CheckPayment(c.Request.Context(), req.UserID, req.TxHash)
	if err != nil {
		writeError(c, a.logger, err)
		return
	}
	if result.Success {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": msgVerified})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": false,
		"message": msgVerificationFailed,
		"details": result.Details,
		"reasons": result.Reasons,
	})
}

func (a *Chainsense) handleResetUsageAPI(c *gin.Context) {
	var req paymentRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.UserID == "" || req.TxHash == "" {
		writeError(c, a.logger, validationError("UserId and transaction hash are required"))
		return
	}

	ok, message, err := a.ResetUsage(c.Request.Context(), req.UserID, req.TxHash)
	if err != nil {
		writeError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok, "message": message})
}

func (a *Chainsense) handleUsageAPI(c *gin.Context) {
	userID := c.Param("userId")
	record, err := a.Usage(c.Request.Context(), userID)
	if err != nil {
		writeError(c, a.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"saveCount": record.SaveCount,
		"loadCount": record.LoadCount,
		"saveLimit": a.gate.Limit(UsageSave),
		"loadLimit": a.gate.Limit(UsageLoad),
	})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return false
	}
	return true
}

func statusFor(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDecode:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError 把错误映射为状态码, 上游错误的细节只写日志
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	e := AsError(err)
	status := statusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		logger.Error(
			"请求失败",
			zap.String("RequestID", c.GetString("RequestID")),
			zap.String("Path", c.FullPath()),
			zap.Error(err),
		)
	}

	body := gin.H{"error": e.Message}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	if e.Retryable {
		body["retryable"] = true
	}
	c.JSON(status, body)
}
