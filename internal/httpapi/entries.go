package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/problem"
)

func (s *Server) handleEntryCreate(c *gin.Context) {
	ac := authn.FromGin(c)

	var body struct {
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		problem.Abort(c, problem.Validation("malformed request body"))
		return
	}

	e, err := s.entries.CreateEntry(c.Request.Context(), ac.IdentityID, c.Param("id"), body.Title, body.Content, body.Tags)
	if err != nil {
		abortEntryError(c, err, false)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// handleEntryGet serves both authenticated and anonymous callers. A caller
// without view permission falls through to the public feed path, so a bearer
// token never shows less than an anonymous request; what stays hidden gets
// the same 404 as a missing entry.
func (s *Server) handleEntryGet(c *gin.Context) {
	id := c.Param("id")

	if ac := authn.FromGin(c); ac != nil {
		e, err := s.entries.GetEntry(c.Request.Context(), ac.IdentityID, id)
		if err == nil {
			c.JSON(http.StatusOK, e)
			return
		}
		if !errors.Is(err, diary.ErrForbidden) && !errors.Is(err, diary.ErrNotFound) {
			abortEntryError(c, err, true)
			return
		}
	}

	entry, err := s.feed.Get(c.Request.Context(), id)
	if err != nil {
		problem.Abort(c, problem.Upstream())
		return
	}
	if entry == nil {
		problem.Abort(c, problem.NotFound())
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleEntryUpdate(c *gin.Context) {
	ac := authn.FromGin(c)

	var body struct {
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		problem.Abort(c, problem.Validation("malformed request body"))
		return
	}

	e, err := s.entries.UpdateEntry(c.Request.Context(), ac.IdentityID, c.Param("id"), body.Title, body.Content, body.Tags)
	if err != nil {
		abortEntryError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleEntryDelete(c *gin.Context) {
	ac := authn.FromGin(c)

	if err := s.entries.DeleteEntry(c.Request.Context(), ac.IdentityID, c.Param("id")); err != nil {
		abortEntryError(c, err, true)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEntryShare(c *gin.Context) {
	ac := authn.FromGin(c)

	var body struct {
		AgentID string `json:"agentId"`
		Revoke  bool   `json:"revoke"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		problem.Abort(c, problem.Validation("agentId required"))
		return
	}

	err := s.entries.ShareEntry(c.Request.Context(), ac.IdentityID, c.Param("id"), body.AgentID, body.Revoke)
	if err != nil {
		abortEntryError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// abortEntryError maps diary errors; with hideForbidden, permission failures
// collapse into 404 so callers cannot probe for entry existence.
func abortEntryError(c *gin.Context, err error, hideForbidden bool) {
	switch {
	case errors.Is(err, diary.ErrNotFound):
		problem.Abort(c, problem.NotFound())
	case errors.Is(err, diary.ErrForbidden):
		if hideForbidden {
			problem.Abort(c, problem.NotFound())
		} else {
			problem.Abort(c, problem.Forbidden())
		}
	case errors.Is(err, diary.ErrContentLength), errors.Is(err, diary.ErrVisibility):
		problem.Abort(c, problem.Validation(err.Error()))
	default:
		problem.Abort(c, problem.Upstream())
	}
}
