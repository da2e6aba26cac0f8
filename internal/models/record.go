// Package models provides data model definitions for the local-first data layer.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
)

// Kind identifies an entity collection. The value doubles as the local table
// name and the remote collection name.
type Kind string

const (
	KindFoodEntry     Kind = "food_entries"
	KindInventoryItem Kind = "inventory_items"
	KindWeightEntry   Kind = "weight_entries"
	KindUserSettings  Kind = "user_settings"
	KindFavoriteFood  Kind = "favorite_foods"
	KindEatingPlan    Kind = "eating_plans"
	KindEatingSession Kind = "eating_sessions"
	KindSymptomLog    Kind = "symptom_logs"
)

// TableName returns the local table holding rows of this kind.
func (k Kind) TableName() string {
	return string(k)
}

// TimeSeries reports whether the kind grows without bound and is therefore
// pulled over a recent window instead of in full.
func (k Kind) TimeSeries() bool {
	switch k {
	case KindFoodEntry, KindWeightEntry, KindEatingSession, KindSymptomLog:
		return true
	}
	return false
}

// SyncStatus governs visibility and push eligibility of a local row.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
	SyncStatusDeleted SyncStatus = "deleted"
)

// RecordMeta holds the bookkeeping columns shared by every record kind.
type RecordMeta struct {
	ID           string     `json:"id" validate:"required,max=64"`
	SyncStatus   SyncStatus `json:"-"`
	LastModified int64      `json:"last_modified"` // unix millis of the latest local write
}

// LastModifiedTime returns LastModified as time.Time.
func (m *RecordMeta) LastModifiedTime() time.Time {
	return time.UnixMilli(m.LastModified)
}

// Record is implemented by every entity kind. Together with the registry
// below it forms a closed union of the known kinds.
type Record interface {
	Kind() Kind
	Meta() *RecordMeta
	// OccurredAt is the domain time used for range queries and windowed pulls.
	// Singletons and small collections return the zero time.
	OccurredAt() time.Time
}

var registry = map[Kind]func() Record{
	KindFoodEntry:     func() Record { return &FoodEntry{} },
	KindInventoryItem: func() Record { return &InventoryItem{} },
	KindWeightEntry:   func() Record { return &WeightEntry{} },
	KindUserSettings:  func() Record { return &UserSettings{} },
	KindFavoriteFood:  func() Record { return &FavoriteFood{} },
	KindEatingPlan:    func() Record { return &EatingPlan{} },
	KindEatingSession: func() Record { return &EatingSession{} },
	KindSymptomLog:    func() Record { return &SymptomLog{} },
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindFoodEntry, KindInventoryItem, KindWeightEntry, KindUserSettings,
		KindFavoriteFood, KindEatingPlan, KindEatingSession, KindSymptomLog,
	}
}

// IsKnown reports whether kind is part of the union.
func IsKnown(kind Kind) bool {
	_, ok := registry[kind]
	return ok
}

// NewRecord returns an empty record of the given kind.
func NewRecord(kind Kind) (Record, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnknownCollection, fmt.Sprintf("unknown collection %q", kind))
	}
	return factory(), nil
}

// EncodeRecord serializes a record into its snapshot form.
func EncodeRecord(r Record) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode record", err)
	}
	return data, nil
}

// DecodeRecord reconstitutes a snapshot of the given kind.
func DecodeRecord(kind Kind, data []byte) (Record, error) {
	r, err := NewRecord(kind)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrMissingData, fmt.Sprintf("empty snapshot for %s", kind))
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDecodingFailed, fmt.Sprintf("failed to decode %s snapshot", kind), err)
	}
	return r, nil
}

var validate = validator.New()

// Validate checks struct tags on a record before it is written locally.
func Validate(r Record) error {
	if err := validate.Struct(r); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid %s record", r.Kind()), err)
	}
	return nil
}
