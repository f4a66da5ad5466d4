package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// accountRecord is the gorm model of the accounts table.
type accountRecord struct {
	ID           string    `gorm:"primaryKey;size:32"`
	Identifier   string    `gorm:"uniqueIndex;size:320;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"size:32;not null;index"`
	Status       string    `gorm:"size:16;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (accountRecord) TableName() string { return "accounts" }

// GormDirectory stores accounts through gorm, used with the embedded SQLite database.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory creates the accounts table when missing.
func NewGormDirectory(db *gorm.DB) (*GormDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm directory requires database handle")
	}
	if err := db.AutoMigrate(&accountRecord{}); err != nil {
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return &GormDirectory{db: db}, nil
}

func (d *GormDirectory) FindByIdentifier(ctx context.Context, identifier string) (Account, error) {
	var rec accountRecord
	err := d.db.WithContext(ctx).Where("identifier = ?", NormalizeIdentifier(identifier)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return Account{
		ID:           rec.ID,
		Identifier:   rec.Identifier,
		PasswordHash: rec.PasswordHash,
		Role:         Role(rec.Role),
		Status:       rec.Status,
		CreatedAt:    rec.CreatedAt,
	}, nil
}

func (d *GormDirectory) CreateAccount(ctx context.Context, account *Account) error {
	if err := prepareAccount(account); err != nil {
		return err
	}
	rec := accountRecord{
		ID:           account.ID,
		Identifier:   account.Identifier,
		PasswordHash: account.PasswordHash,
		Role:         string(account.Role),
		Status:       account.Status,
		CreatedAt:    account.CreatedAt,
	}
	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}
