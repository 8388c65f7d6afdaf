// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides read-only access to the purchase ledger
// and the merchant roster. The claim subsystem never mutates either: writes
// happen upstream (receipt ingestion, merchant administration).
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

// GetPurchase fetches a purchase by ID, or ErrNotFound if missing.
func GetPurchase(ctx context.Context, db *gorm.DB, id string) (*domain.Purchase, error) {
	var p domain.Purchase
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetMerchant fetches a merchant by ID, or ErrNotFound if missing.
func GetMerchant(ctx context.Context, db *gorm.DB, id string) (*domain.Merchant, error) {
	var m domain.Merchant
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMerchantUser fetches a staff member by ID, scoped to the given
// merchant, or ErrNotFound if missing or belonging to another merchant.
func GetMerchantUser(ctx context.Context, db *gorm.DB, id, merchantID string) (*domain.MerchantUser, error) {
	var mu domain.MerchantUser
	err := db.WithContext(ctx).
		Where("id = ? AND merchant_id = ?", id, merchantID).
		First(&mu).Error
	if err != nil {
		return nil, err
	}
	return &mu, nil
}
