// Package storage persists the keyword rule table and the log of received
// detail messages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/Veraticus/sapa/internal/matcher"
)

// AutoReply is one row of the keyword rule table.
type AutoReply struct {
	CreatedAt time.Time
	Keyword   string
	Reply     string
	ID        uint
}

// ReceivedMessage is one stored detail submission.
type ReceivedMessage struct {
	CreatedAt time.Time
	Sender    string
	Message   string
	ID        uint
}

type autoReplyRow struct {
	CreatedAt    time.Time
	Keyword      string `gorm:"size:255;not null"`
	ReplyMessage string `gorm:"type:text;not null"`
	ID           uint   `gorm:"primaryKey;autoIncrement"`
}

func (autoReplyRow) TableName() string { return "auto_replies" }

func (r autoReplyRow) toAutoReply() AutoReply {
	return AutoReply{ID: r.ID, Keyword: r.Keyword, Reply: r.ReplyMessage, CreatedAt: r.CreatedAt}
}

type receivedMessageRow struct {
	CreatedAt time.Time `gorm:"index"`
	Sender    string    `gorm:"size:64;not null;index"`
	Message   string    `gorm:"type:text;not null"`
	ID        uint      `gorm:"primaryKey;autoIncrement"`
}

func (receivedMessageRow) TableName() string { return "received_messages" }

// Store is the gorm-backed record store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	db, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	return New(db, opts...)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "storage"))

	if err := s.db.AutoMigrate(&autoReplyRow{}, &receivedMessageRow{}); err != nil {
		return nil, fmt.Errorf("migrate record store: %w", err)
	}
	return s, nil
}

// ListAutoReplies returns every rule in insertion order. The conversation
// engine calls it for each message, so edits take effect immediately.
func (s *Store) ListAutoReplies(ctx context.Context) ([]matcher.Rule, error) {
	var rows []autoReplyRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list auto replies: %w", err)
	}

	rules := make([]matcher.Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, matcher.Rule{Keyword: row.Keyword, Reply: row.ReplyMessage})
	}
	return rules, nil
}

// AutoReplies returns the full rule rows, including IDs, in insertion order.
func (s *Store) AutoReplies(ctx context.Context) ([]AutoReply, error) {
	var rows []autoReplyRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list auto replies: %w", err)
	}

	out := make([]AutoReply, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAutoReply())
	}
	return out, nil
}

// AddAutoReply appends a rule to the end of the table.
func (s *Store) AddAutoReply(ctx context.Context, keyword, reply string) (AutoReply, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return AutoReply{}, ErrEmptyKeyword
	}

	row := autoReplyRow{Keyword: keyword, ReplyMessage: reply, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return AutoReply{}, fmt.Errorf("add auto reply %q: %w", keyword, err)
	}
	return row.toAutoReply(), nil
}

// DeleteAutoReply removes the rule with id.
func (s *Store) DeleteAutoReply(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&autoReplyRow{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete auto reply %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("auto reply %d: %w", id, ErrNotFound)
	}
	return nil
}

type ruleFile struct {
	Rules []struct {
		Keyword string `yaml:"keyword"`
		Reply   string `yaml:"reply"`
	} `yaml:"rules"`
}

// ImportRules appends the rules listed in a YAML document of the form
//
//	rules:
//	  - keyword: harga
//	    reply: "Daftar harga..."
//
// in one transaction and returns how many were added.
func (s *Store) ImportRules(ctx context.Context, r io.Reader) (int, error) {
	var file ruleFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("decode rules: %w", err)
	}

	now := time.Now().UTC()
	rows := make([]autoReplyRow, 0, len(file.Rules))
	for i, rule := range file.Rules {
		keyword := strings.TrimSpace(rule.Keyword)
		if keyword == "" {
			return 0, fmt.Errorf("rule %d: %w", i+1, ErrEmptyKeyword)
		}
		rows = append(rows, autoReplyRow{Keyword: keyword, ReplyMessage: rule.Reply, CreatedAt: now})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Create(&rows[i]).Error; err != nil {
				return fmt.Errorf("insert rule %q: %w", rows[i].Keyword, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("import rules: %w", err)
	}

	s.logger.InfoContext(ctx, "imported auto reply rules", slog.Int("count", len(rows)))
	return len(rows), nil
}

// InsertReceivedMessage stores a detail submission verbatim.
func (s *Store) InsertReceivedMessage(ctx context.Context, sender, text string, at time.Time) error {
	row := receivedMessageRow{Sender: sender, Message: text, CreatedAt: at}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert received message from %s: %w", sender, err)
	}
	return nil
}

// ListReceivedMessages returns the newest stored submissions first. A
// non-positive limit returns all of them.
func (s *Store) ListReceivedMessages(ctx context.Context, limit int) ([]ReceivedMessage, error) {
	query := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []receivedMessageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list received messages: %w", err)
	}

	out := make([]ReceivedMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, ReceivedMessage{ID: row.ID, Sender: row.Sender, Message: row.Message, CreatedAt: row.CreatedAt})
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
