package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/problem"
)

func (s *Server) handleFeedList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := s.feed.List(c.Request.Context(), c.Query("cursor"), c.Query("tag"), limit)
	if err != nil {
		if errors.Is(err, diary.ErrInvalidCursor) {
			problem.Abort(c, problem.InvalidCursor())
			return
		}
		problem.Abort(c, problem.Upstream())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      page.Entries,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

func (s *Server) handleFeedSearch(c *gin.Context) {
	q := c.Query("q")
	if n := utf8.RuneCountInString(q); n < 2 || n > 200 {
		problem.Abort(c, problem.Validation("q must be 2 to 200 characters"))
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = 10
	}

	items, err := s.feed.Search(c.Request.Context(), q, c.Query("tag"), limit)
	if err != nil {
		problem.Abort(c, problem.Upstream())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "query": q})
}

func (s *Server) handleFeedEntry(c *gin.Context) {
	entry, err := s.feed.Get(c.Request.Context(), c.Param("id"))
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

func (s *Server) handleWhoami(c *gin.Context) {
	ac := authn.FromGin(c)
	c.JSON(http.StatusOK, gin.H{
		"identityId":  ac.IdentityID,
		"publicKey":   ac.PublicKey,
		"fingerprint": ac.Fingerprint,
		"clientId":    ac.ClientID,
	})
}
