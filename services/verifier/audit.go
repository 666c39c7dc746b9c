package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrAuditNotFound is returned when no audit row matches.
var ErrAuditNotFound = errors.New("verifier: audit record not found")

// AuditRecord is the persisted trace of one verdict. Condition and proof are
// stored as digests only.
type AuditRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	VerdictID     string    `gorm:"size:64;uniqueIndex" json:"verdictId"`
	RequestID     string    `gorm:"size:64;index" json:"requestId,omitempty"`
	EscrowID      uint64    `gorm:"index" json:"escrowId,omitempty"`
	ConditionHash string    `gorm:"size:66;index" json:"conditionHash"`
	ProofHash     string    `gorm:"size:64" json:"proofHash"`
	Paid          bool      `json:"paid"`
	Payer         string    `gorm:"size:64" json:"payer,omitempty"`
	Outcome       string    `gorm:"size:16;index" json:"outcome"`
	Passed        bool      `json:"passed"`
	Confidence    int       `json:"confidence"`
	Reason        string    `json:"reason"`
	Details       string    `json:"-"`
	Raw           string    `json:"raw,omitempty"`
	Attested      bool      `json:"attested"`
	CreatedAt     time.Time `json:"createdAt"`
}

// DetailList decodes the stored details.
func (r *AuditRecord) DetailList() []string {
	out := []string{}
	if r.Details != "" {
		_ = json.Unmarshal([]byte(r.Details), &out)
	}
	return out
}

// AuditStore writes verdict records through gorm.
type AuditStore struct {
	db *gorm.DB
}

// OpenAuditStore opens the audit database. driver is "sqlite" (a file path or
// sqlite DSN) or "postgres".
func OpenAuditStore(driver, dsn string) (*AuditStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			dsn = "verifier-audit.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return NewAuditStore(db)
}

// NewAuditStore migrates the schema on db.
func NewAuditStore(db *gorm.DB) (*AuditStore, error) {
	if db == nil {
		return nil, errors.New("verifier: audit database required")
	}
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Record persists one verdict under verdictID. requestID is the caller's
// correlation id and may repeat across records. Raw backend text is only kept
// for unparsed answers.
func (s *AuditStore) Record(ctx context.Context, verdictID, requestID string, req Request, verdict *Verdict, paid bool, payer string) (*AuditRecord, error) {
	if s == nil {
		return nil, nil
	}
	details, err := json.Marshal(verdict.Details)
	if err != nil {
		return nil, err
	}
	proof := sha256.Sum256([]byte(req.Proof))
	rec := &AuditRecord{
		ID:            uuid.New(),
		VerdictID:     verdictID,
		RequestID:     requestID,
		EscrowID:      req.EscrowID,
		ConditionHash: verdict.ConditionHash.Hex(),
		ProofHash:     hex.EncodeToString(proof[:]),
		Paid:          paid,
		Payer:         payer,
		Outcome:       outcomeOf(verdict),
		Passed:        verdict.Passed,
		Confidence:    verdict.Confidence,
		Reason:        verdict.Reason,
		Details:       string(details),
		Attested:      verdict.Attestation != nil,
		CreatedAt:     time.Now().UTC(),
	}
	if !verdict.Parsed {
		rec.Raw = verdict.Raw
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

// Get returns the audit record for verdictID.
func (s *AuditStore) Get(ctx context.Context, verdictID string) (*AuditRecord, error) {
	var rec AuditRecord
	err := s.db.WithContext(ctx).Where("verdict_id = ?", verdictID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAuditNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ByEscrow lists verdicts recorded for an escrow, newest first.
func (s *AuditStore) ByEscrow(ctx context.Context, escrowID uint64, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []AuditRecord
	err := s.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Close releases the underlying connection pool.
func (s *AuditStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func outcomeOf(v *Verdict) string {
	switch {
	case !v.Parsed:
		return outcomeUnparsed
	case v.Passed:
		return outcomePassed
	default:
		return outcomeFailed
	}
}
