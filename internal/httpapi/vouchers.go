package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/problem"
)

func (s *Server) handleVoucherIssue(c *gin.Context) {
	ac := authn.FromGin(c)

	v, err := s.vouchers.Issue(c.Request.Context(), ac.IdentityID)
	if err != nil {
		problem.Abort(c, problem.Upstream())
		return
	}
	if v == nil {
		problem.Abort(c, problem.Validation("active voucher limit reached"))
		return
	}
	// The code is shown exactly once, here.
	c.JSON(http.StatusCreated, v)
}

func (s *Server) handleVoucherList(c *gin.Context) {
	ac := authn.FromGin(c)

	vouchers, err := s.vouchers.ListActiveByIssuer(c.Request.Context(), ac.IdentityID)
	if err != nil {
		problem.Abort(c, problem.Upstream())
		return
	}
	// The issuer's own view keeps codes; nobody else can reach this handler.
	c.JSON(http.StatusOK, gin.H{"vouchers": vouchers})
}

func (s *Server) handleTrustGraph(c *gin.Context) {
	edges, err := s.vouchers.TrustGraph(c.Request.Context())
	if err != nil {
		problem.Abort(c, problem.Upstream())
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges})
}
