package backend

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/matchrelay/internal/rtapi"
	"github.com/cory-johannsen/matchrelay/internal/scripting"
)

const claimsKey = "matchrelay.claims"

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v2 := r.Group("/v2")
	v2.POST("/account/authenticate/email", s.requireServerKey(), s.handleAuthenticateEmail)

	authed := v2.Group("", s.requireSession())
	authed.POST("/rpc/:id", s.handleRPC)
	authed.PUT("/storage", s.handleWriteObject)
	authed.GET("/storage/:collection/:key", s.handleReadObject)
	authed.POST("/leaderboard/:id", s.handleWriteRecord)
	authed.GET("/leaderboard/:id", s.handleListRecords)
	return r
}

// observe counts requests per route and logs them at debug level.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// requireServerKey accepts basic auth whose username is the server key.
func (s *Server) requireServerKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, _, ok := c.Request.BasicAuth()
		if !ok || key != s.cfg.ServerKey {
			abort(c, http.StatusUnauthorized, "server key required")
			return
		}
		c.Next()
	}
}

// requireSession accepts a bearer session token and stores its claims.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		const prefix = "Bearer "
		h := c.GetHeader("Authorization")
		if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
			abort(c, http.StatusUnauthorized, "session token required")
			return
		}
		claims, err := s.tokens.Parse(h[len(prefix):])
		if err != nil {
			abort(c, http.StatusUnauthorized, err.Error())
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func sessionClaims(c *gin.Context) SessionClaims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(SessionClaims)
	return claims
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, rtapi.APIError{Error: msg, Code: status})
}

// fail maps a domain error to its HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrObjectNotFound),
		errors.Is(err, ErrLeaderboardNotFound),
		errors.Is(err, scripting.ErrRPCNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAccountExists), errors.Is(err, ErrUsernameTaken):
		status = http.StatusConflict
	case errors.Is(err, ErrUsernameRequired),
		errors.Is(err, ErrInvalidObject),
		errors.Is(err, ErrBadCursor):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err),
		)
	}
	abort(c, status, err.Error())
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.sessions.Count(),
		"matches":  s.matches.Count(),
	})
}

func (s *Server) handleAuthenticateEmail(c *gin.Context) {
	var req rtapi.AuthenticateEmail
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	create, _ := strconv.ParseBool(c.DefaultQuery("create", "false"))

	acct, created, err := s.accounts.Authenticate(c.Request.Context(), req.Email, req.Password, create, c.Query("username"))
	if err != nil {
		s.fail(c, err)
		return
	}
	token, exp, err := s.tokens.Issue(acct)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rtapi.Session{
		Token:     token,
		Created:   created,
		UserID:    acct.ID,
		Username:  acct.Username,
		ExpiresAt: exp.Unix(),
	})
}

// handleRPC decodes the body as a JSON object and replies with the function's result object.
func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	payload := map[string]any{}
	if len(body) > 0 {
		var in structpb.Struct
		if err := protojson.Unmarshal(body, &in); err != nil {
			abort(c, http.StatusBadRequest, "rpc payload must be a JSON object")
			return
		}
		payload = in.AsMap()
	}

	out, err := s.rpc.Call(c.Request.Context(), c.Param("id"), payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	result, err := structpb.NewStruct(out)
	if err != nil {
		s.fail(c, err)
		return
	}
	data, err := protojson.Marshal(result)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handleWriteObject(c *gin.Context) {
	var req rtapi.WriteStorageObject
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	obj, err := s.storage.Write(c.Request.Context(), sessionClaims(c).UserID, ObjectWrite{
		Collection:      req.Collection,
		Key:             req.Key,
		Value:           req.Value,
		Global:          req.Global,
		PermissionRead:  req.PermissionRead,
		PermissionWrite: req.PermissionWrite,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, objectToAPI(obj))
}

// handleReadObject reads an owned object, or the global object when owner is omitted.
func (s *Server) handleReadObject(c *gin.Context) {
	obj, err := s.storage.Read(c.Request.Context(), sessionClaims(c).UserID, c.Param("collection"), c.Param("key"), c.Query("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, objectToAPI(obj))
}

func objectToAPI(obj Object) rtapi.StorageObject {
	return rtapi.StorageObject{
		Collection:      obj.Collection,
		Key:             obj.Key,
		UserID:          obj.Owner,
		Value:           obj.Value,
		Version:         strconv.FormatInt(obj.Version, 10),
		PermissionRead:  obj.PermissionRead,
		PermissionWrite: obj.PermissionWrite,
		UpdateTime:      obj.UpdatedAt.Unix(),
	}
}

func (s *Server) handleWriteRecord(c *gin.Context) {
	var req rtapi.WriteLeaderboardRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	claims := sessionClaims(c)
	rec, err := s.leaderboards.Write(c.Request.Context(), c.Param("id"), claims.UserID, claims.Username, req.Score)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recordToAPI(rec))
}

func (s *Server) handleListRecords(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		abort(c, http.StatusBadRequest, "limit must be an integer")
		return
	}
	recs, next, err := s.leaderboards.List(c.Request.Context(), c.Param("id"), limit, c.Query("cursor"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := rtapi.LeaderboardRecordList{Records: make([]rtapi.LeaderboardRecord, 0, len(recs)), NextCursor: next}
	for _, r := range recs {
		out.Records = append(out.Records, recordToAPI(r))
	}
	c.JSON(http.StatusOK, out)
}

func recordToAPI(r Record) rtapi.LeaderboardRecord {
	return rtapi.LeaderboardRecord{
		LeaderboardID: r.Board,
		OwnerID:       r.OwnerID,
		Username:      r.Username,
		Score:         r.Score,
		Rank:          r.Rank,
		UpdateTime:    r.UpdatedAt.Unix(),
	}
}
