package dashboard

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/dingline/internal/models"
	"github.com/zulandar/dingline/internal/telegraph"
)

// maxJournalLimit caps ?limit= on /journal.
const maxJournalLimit = 500

// JournalRow is the API form of a journal entry.
type JournalRow struct {
	ID         uint      `json:"id"`
	Direction  string    `json:"direction"`
	Platform   string    `json:"platform"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	MessageID  string    `json:"message_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	UserName   string    `json:"user_name,omitempty"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Sandbox    bool      `json:"sandbox,omitempty"`
	Recalled   bool      `json:"recalled,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

func newJournalRow(e models.JournalEntry) JournalRow {
	return JournalRow{
		ID:         e.ID,
		Direction:  e.Direction,
		Platform:   e.Platform,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		MessageID:  e.MessageID,
		UserID:     e.UserID,
		UserName:   e.UserName,
		Kind:       e.Kind,
		Content:    e.Content,
		Sandbox:    e.Sandbox,
		Recalled:   e.Recalled,
		SentAt:     e.SentAt,
	}
}

// parseJournalQuery reads limit, target_type, target_id and direction from
// the query string.
func parseJournalQuery(c *gin.Context) (telegraph.JournalQuery, error) {
	q := telegraph.JournalQuery{
		TargetType: telegraph.TargetKind(c.Query("target_type")),
		TargetID:   c.Query("target_id"),
		Direction:  c.Query("direction"),
	}
	switch q.TargetType {
	case "", telegraph.TargetPrivate, telegraph.TargetGroup:
	default:
		return q, fmt.Errorf("target_type %q must be private or group", q.TargetType)
	}
	switch q.Direction {
	case "", models.DirectionIn, models.DirectionOut:
	default:
		return q, fmt.Errorf("direction %q must be in or out", q.Direction)
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit %q must be a positive integer", v)
		}
		q.Limit = min(n, maxJournalLimit)
	}
	return q, nil
}
