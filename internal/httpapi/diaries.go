package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/problem"
)

func (s *Server) handleDiaryCreate(c *gin.Context) {
	ac := authn.FromGin(c)

	var body struct {
		Title      string `json:"title"`
		Visibility string `json:"visibility"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Title == "" {
		problem.Abort(c, problem.Validation("title required"))
		return
	}

	d, err := s.entries.CreateDiary(c.Request.Context(), ac.IdentityID, body.Title,
		diary.Visibility(body.Visibility))
	if err != nil {
		abortEntryError(c, err, true)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// handleDiaryVisibility flips visibility; entering or leaving public
// re-indexes the diary's entries against the feed. Non-owners get the same
// 404 as a missing diary.
func (s *Server) handleDiaryVisibility(c *gin.Context) {
	ac := authn.FromGin(c)

	var body struct {
		Visibility string `json:"visibility"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Visibility == "" {
		problem.Abort(c, problem.Validation("visibility required"))
		return
	}

	d, err := s.entries.SetDiaryVisibility(c.Request.Context(), ac.IdentityID, c.Param("id"),
		diary.Visibility(body.Visibility))
	if err != nil {
		abortEntryError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, d)
}
