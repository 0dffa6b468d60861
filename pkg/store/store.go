package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store wraps the relational persistence collaborator.
type Store struct {
	db *gorm.DB
}

// Open connects to postgres and runs migrations.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle (tests use the sqlite driver).
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&SettlementRecord{},
		&DepositRecord{},
		&ComplianceModuleRecord{},
		&OrderRecord{},
	); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// ==============================
// Settlement records
// ==============================

// UpsertSettlement creates or refreshes a record keyed by tx hash.
// Rows already in a terminal state are left untouched, so a late or
// duplicate write can never revert confirmed/failed back to pending.
func (s *Store) UpsertSettlement(ctx context.Context, rec *SettlementRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tx_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "block_number", "gas_used", "error_message", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: "settlement_records", Name: "status"}, Value: StatusPending},
		}},
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert settlement %s: %w", rec.TxHash, err)
	}
	return nil
}

// FinalizeSettlement moves a pending record to its terminal state.
func (s *Store) FinalizeSettlement(ctx context.Context, txHash string, status Status, blockNumber, gasUsed uint64, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	err := s.db.WithContext(ctx).
		Model(&SettlementRecord{}).
		Where("tx_hash = ? AND status = ?", txHash, StatusPending).
		Updates(map[string]interface{}{
			"status":        status,
			"block_number":  blockNumber,
			"gas_used":      gasUsed,
			"error_message": errMsg,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to finalize settlement %s: %w", txHash, err)
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, txHash string) (*SettlementRecord, error) {
	var rec SettlementRecord
	err := s.db.WithContext(ctx).First(&rec, "tx_hash = ?", txHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement %s: %w", txHash, err)
	}
	return &rec, nil
}

// SettlementsByWallet returns history where the wallet was buyer or seller.
func (s *Store) SettlementsByWallet(ctx context.Context, wallet string) ([]SettlementRecord, error) {
	var recs []SettlementRecord
	err := s.db.WithContext(ctx).
		Where("buyer = ? OR seller = ?", wallet, wallet).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements for %s: %w", wallet, err)
	}
	return recs, nil
}

// SettlementsByAsset returns history for one property token.
func (s *Store) SettlementsByAsset(ctx context.Context, token string) ([]SettlementRecord, error) {
	var recs []SettlementRecord
	err := s.db.WithContext(ctx).
		Where("property_token = ?", token).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements for asset %s: %w", token, err)
	}
	return recs, nil
}

// ==============================
// Deposit records
// ==============================

// AddDeposit upserts a deposit additively: applying the same confirmed
// deposit row N times under the (token, wallet) key increases the
// balance once per distinct call, and concurrent writers converge.
func (s *Store) AddDeposit(ctx context.Context, token, wallet, amount string) error {
	rec := &DepositRecord{Token: token, Wallet: wallet, Amount: amount}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token"}, {Name: "wallet"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"amount": gorm.Expr("CAST(deposit_records.amount AS NUMERIC) + CAST(? AS NUMERIC)", amount),
		}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to add deposit for %s/%s: %w", token, wallet, err)
	}
	return nil
}

// DepositBalance reads the cumulative deposit for a (token, wallet) pair.
// A missing row is a zero balance, not an error.
func (s *Store) DepositBalance(ctx context.Context, token, wallet string) (string, error) {
	var rec DepositRecord
	err := s.db.WithContext(ctx).First(&rec, "token = ? AND wallet = ?", token, wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load deposit for %s/%s: %w", token, wallet, err)
	}
	return rec.Amount, nil
}

// ==============================
// Compliance module records
// ==============================

func (s *Store) UpsertModule(ctx context.Context, rec *ComplianceModuleRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "name", "version", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert module %s: %w", rec.Address, err)
	}
	return nil
}

func (s *Store) SetModuleActive(ctx context.Context, address string, active bool) error {
	err := s.db.WithContext(ctx).
		Model(&ComplianceModuleRecord{}).
		Where("address = ?", address).
		Update("active", active).Error
	if err != nil {
		return fmt.Errorf("failed to update module %s: %w", address, err)
	}
	return nil
}

func (s *Store) DeleteModule(ctx context.Context, address string) error {
	err := s.db.WithContext(ctx).Delete(&ComplianceModuleRecord{}, "address = ?", address).Error
	if err != nil {
		return fmt.Errorf("failed to delete module %s: %w", address, err)
	}
	return nil
}

func (s *Store) ListModules(ctx context.Context) ([]ComplianceModuleRecord, error) {
	var recs []ComplianceModuleRecord
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	return recs, nil
}

// ==============================
// Order records
// ==============================

// UpsertOrder records a digest the engine has seen.
func (s *Store) UpsertOrder(ctx context.Context, digest, signer string) error {
	rec := &OrderRecord{Digest: digest, Signer: signer}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "digest"}},
		DoNothing: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", digest, err)
	}
	return nil
}

// MarkOrdersConsumed flags digests as spent by a confirmed settlement.
func (s *Store) MarkOrdersConsumed(ctx context.Context, digests ...string) error {
	err := s.db.WithContext(ctx).
		Model(&OrderRecord{}).
		Where("digest IN ?", digests).
		Update("consumed", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark orders consumed: %w", err)
	}
	return nil
}

// ReleaseOrders returns digests to the available state. Only called when
// the authoritative execution source confirmed no state change occurred.
func (s *Store) ReleaseOrders(ctx context.Context, digests ...string) error {
	err := s.db.WithContext(ctx).
		Model(&OrderRecord{}).
		Where("digest IN ?", digests).
		Update("consumed", false).Error
	if err != nil {
		return fmt.Errorf("failed to release orders: %w", err)
	}
	return nil
}

// IsOrderConsumed is the relational half of the idempotency fast path.
func (s *Store) IsOrderConsumed(ctx context.Context, digest string) (bool, error) {
	var rec OrderRecord
	err := s.db.WithContext(ctx).First(&rec, "digest = ?", digest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load order %s: %w", digest, err)
	}
	return rec.Consumed, nil
}
