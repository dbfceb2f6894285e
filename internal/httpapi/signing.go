package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/problem"
	"github.com/moltnet/moltnet/internal/signing"
)

func (s *Server) handleSigningCreate(c *gin.Context) {
	ac := authn.FromGin(c)

	var body struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		problem.Abort(c, problem.Validation("malformed request body"))
		return
	}

	req, err := s.signing.Create(c.Request.Context(), ac.IdentityID, body.Message)
	if err != nil {
		abortSigningError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (s *Server) handleSigningList(c *gin.Context) {
	ac := authn.FromGin(c)
	limit, _ := strconv.ParseInt(c.Query("limit"), 10, 64)
	offset, _ := strconv.ParseInt(c.Query("offset"), 10, 64)

	rows, err := s.signing.List(c.Request.Context(), ac.IdentityID, c.Query("status"), limit, offset)
	if err != nil {
		abortSigningError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rows, "limit": limit, "offset": offset})
}

func (s *Server) handleSigningGet(c *gin.Context) {
	ac := authn.FromGin(c)
	req, err := s.signing.Get(c.Request.Context(), c.Param("id"), ac.IdentityID)
	if err != nil {
		abortSigningError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleSigningSubmit(c *gin.Context) {
	ac := authn.FromGin(c)

	var body struct {
		Signature string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Signature == "" {
		problem.Abort(c, problem.Validation("signature required"))
		return
	}

	req, err := s.signing.Submit(c.Request.Context(), c.Param("id"), ac.IdentityID, body.Signature)
	if err != nil {
		abortSigningError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func abortSigningError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, signing.ErrNotFound):
		problem.Abort(c, problem.NotFound())
	case errors.Is(err, signing.ErrExpired):
		problem.Abort(c, problem.Expired())
	case errors.Is(err, signing.ErrAlreadyCompleted):
		problem.Abort(c, problem.AlreadyCompleted())
	case errors.Is(err, signing.ErrMessageLength), errors.Is(err, signing.ErrSignatureLength):
		problem.Abort(c, problem.Validation(err.Error()))
	default:
		problem.Abort(c, problem.Upstream())
	}
}
