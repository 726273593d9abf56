package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/dingline/internal/telegraph"
	"github.com/zulandar/dingline/internal/telegraph/dingtalk"
	"go.uber.org/zap"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.RouterGroup, s *server) {
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	router.POST("/send", s.handleSend)
	router.POST("/recall", s.handleRecall)
	router.GET("/journal", s.handleJournal)
	router.GET("/events", s.handleEvents)
}

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.adapter.Status())
}

type sendRequest struct {
	TargetType string          `json:"target_type" binding:"required,oneof=private group"`
	TargetID   string          `json:"target_id" binding:"required"`
	Text       string          `json:"text"`
	Elements   json.RawMessage `json:"elements"`
}

// elements combines Text and Elements, text first.
func (r sendRequest) elements() ([]telegraph.Element, error) {
	var out []telegraph.Element
	if r.Text != "" {
		out = append(out, telegraph.Text{Text: r.Text})
	}
	if len(r.Elements) > 0 && string(r.Elements) != "null" {
		decoded, err := telegraph.DecodeElements(r.Elements)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("text or elements is required")
	}
	return out, nil
}

func (s *server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	elements, err := req.elements()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target := telegraph.Target{Kind: telegraph.TargetKind(req.TargetType), ID: req.TargetID}
	receipts, err := s.adapter.Send(c.Request.Context(), telegraph.OutboundMessage{Target: target, Elements: elements})
	if receipts == nil {
		receipts = []string{}
	}
	if err != nil {
		s.logger.Warn("send", zap.String("target", req.TargetType+":"+req.TargetID), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"receipts": receipts, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

type recallRequest struct {
	TargetType string `json:"target_type" binding:"required,oneof=private group"`
	TargetID   string `json:"target_id"`
	Receipt    string `json:"receipt" binding:"required"`
}

func (s *server) handleRecall(c *gin.Context) {
	var req recallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TargetType == string(telegraph.TargetGroup) && req.TargetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_id is required for group recalls"})
		return
	}

	target := telegraph.Target{Kind: telegraph.TargetKind(req.TargetType), ID: req.TargetID}
	ok, err := s.adapter.Recall(c.Request.Context(), target, req.Receipt)
	if err != nil {
		s.logger.Warn("recall", zap.String("receipt", req.Receipt), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"recalled": false, "error": err.Error()})
		return
	}
	if ok && s.journal != nil {
		if _, err := s.journal.MarkRecalled(req.Receipt); err != nil {
			s.logger.Warn("journal recall", zap.String("receipt", req.Receipt), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"recalled": ok})
}

func (s *server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal is disabled"})
		return
	}
	q, err := parseJournalQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entries, err := s.journal.Recent(q)
	if err != nil {
		s.logger.Error("journal query", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal query failed"})
		return
	}
	rows := make([]JournalRow, len(entries))
	for i, e := range entries {
		rows[i] = newJournalRow(e)
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "count": len(rows)})
}

// statusFor maps an adapter error to an HTTP status.
func statusFor(err error) int {
	if dingtalk.IsUnsupportedElement(err) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}
