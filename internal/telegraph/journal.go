package telegraph

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/dingline/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultJournalLimit is the page size used when a query sets no limit.
const DefaultJournalLimit = 50

// Journal persists message history: every received message and every
// delivered outbound element. It never stores session state.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// JournalOpts holds parameters for creating a Journal.
type JournalOpts struct {
	DB     *gorm.DB
	Logger *zap.Logger // defaults to a no-op logger
}

// JournalQuery filters Recent. Zero fields match everything.
type JournalQuery struct {
	TargetType TargetKind
	TargetID   string
	Direction  string
	Limit      int // defaults to DefaultJournalLimit
}

// NewJournal creates a Journal.
func NewJournal(opts JournalOpts) (*Journal, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("telegraph: journal: db is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: opts.DB, logger: logger.Named("journal"), now: time.Now}, nil
}

// Attach records "message" and "send" events from bus until the returned
// function is called.
func (j *Journal) Attach(bus *EventBus) func() {
	offMsg := bus.On(EventMessage, func(e Event) {
		msg, ok := e.Data.(Message)
		if !ok {
			return
		}
		if err := j.RecordInbound(msg.Inbound()); err != nil {
			j.logger.Error("record inbound", zap.Error(err))
		}
	})
	offSend := bus.On(EventSend, func(e Event) {
		sent, ok := e.Data.(SentMessage)
		if !ok {
			return
		}
		if err := j.RecordSent(sent); err != nil {
			j.logger.Error("record sent", zap.String("receipt", sent.Receipt), zap.Error(err))
		}
	})
	return func() {
		offMsg()
		offSend()
	}
}

// RecordInbound writes one row for a received message.
func (j *Journal) RecordInbound(msg InboundMessage) error {
	at := msg.Timestamp
	if at.IsZero() {
		at = j.now()
	}
	entry := models.JournalEntry{
		Direction:  models.DirectionIn,
		Platform:   platformOrDefault(msg.Platform),
		TargetType: string(msg.Target.Kind),
		TargetID:   msg.Target.ID,
		MessageID:  msg.MessageID,
		UserID:     msg.UserID,
		UserName:   msg.UserName,
		Kind:       EventMessage,
		Content:    msg.Text,
		SentAt:     at,
	}
	if err := j.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("telegraph: journal inbound: %w", err)
	}
	return nil
}

// RecordSent writes one row for a delivered element.
func (j *Journal) RecordSent(s SentMessage) error {
	at := s.Timestamp
	if at.IsZero() {
		at = j.now()
	}
	entry := models.JournalEntry{
		Direction:  models.DirectionOut,
		Platform:   platformOrDefault(""),
		TargetType: string(s.Target.Kind),
		TargetID:   s.Target.ID,
		MessageID:  s.Receipt,
		Kind:       string(s.Kind),
		Content:    s.Summary,
		Sandbox:    s.Sandbox,
		SentAt:     at,
	}
	if err := j.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("telegraph: journal sent: %w", err)
	}
	return nil
}

// MarkRecalled flags the outbound entry for receipt as recalled. It reports
// whether such an entry existed.
func (j *Journal) MarkRecalled(receipt string) (bool, error) {
	res := j.db.Model(&models.JournalEntry{}).
		Where("direction = ? AND message_id = ?", models.DirectionOut, receipt).
		Update("recalled", true)
	if res.Error != nil {
		return false, fmt.Errorf("telegraph: journal recall %s: %w", receipt, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Recent returns matching entries, newest first.
func (j *Journal) Recent(q JournalQuery) ([]models.JournalEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultJournalLimit
	}
	tx := j.db.Model(&models.JournalEntry{})
	if q.TargetType != "" {
		tx = tx.Where("target_type = ?", string(q.TargetType))
	}
	if q.TargetID != "" {
		tx = tx.Where("target_id = ?", q.TargetID)
	}
	if q.Direction != "" {
		tx = tx.Where("direction = ?", q.Direction)
	}
	var entries []models.JournalEntry
	if err := tx.Order("sent_at DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("telegraph: journal recent: %w", err)
	}
	return entries, nil
}

// Lookup returns the entry with the given message id or receipt.
func (j *Journal) Lookup(messageID string) (*models.JournalEntry, error) {
	var entry models.JournalEntry
	err := j.db.Where("message_id = ?", messageID).Order("id DESC").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("telegraph: journal lookup: %w", err)
	}
	return &entry, nil
}

// Count returns the number of journal entries.
func (j *Journal) Count() (int64, error) {
	var n int64
	if err := j.db.Model(&models.JournalEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("telegraph: journal count: %w", err)
	}
	return n, nil
}

// Prune deletes entries sent before cutoff and returns how many were removed.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	res := j.db.Where("sent_at < ?", cutoff).Delete(&models.JournalEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("telegraph: journal prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func platformOrDefault(p string) string {
	if p == "" {
		return "dingtalk"
	}
	return p
}
