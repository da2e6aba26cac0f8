package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SettingsID is the fixed id of the per-user settings singleton.
const SettingsID = "user-settings"

// FoodEntry is one item in the food log.
type FoodEntry struct {
	RecordMeta
	Name        string          `json:"name" validate:"required,max=200"`
	Brand       string          `json:"brand,omitempty"`
	MealType    string          `json:"meal_type" validate:"omitempty,oneof=breakfast lunch dinner snack"`
	Servings    decimal.Decimal `json:"servings"`
	ServingUnit string          `json:"serving_unit,omitempty"`
	Calories    decimal.Decimal `json:"calories"`
	ProteinG    decimal.Decimal `json:"protein_g"`
	CarbsG      decimal.Decimal `json:"carbs_g"`
	FatG        decimal.Decimal `json:"fat_g"`
	FiberG      decimal.Decimal `json:"fiber_g"`
	// Micronutrients maps nutrient name to amount; keys vary by food source.
	Micronutrients map[string]decimal.Decimal `json:"micronutrients,omitempty"`
	ConsumedAt     time.Time                  `json:"consumed_at" validate:"required"`
	Notes          string                     `json:"notes,omitempty"`
}

func (r *FoodEntry) Kind() Kind { return KindFoodEntry }
func (r *FoodEntry) Meta() *RecordMeta { return &r.RecordMeta }
func (r *FoodEntry) OccurredAt() time.Time { return r.ConsumedAt }

// InventoryItem is a food item the user keeps at home.
type InventoryItem struct {
	RecordMeta
	Name      string          `json:"name" validate:"required,max=200"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit,omitempty"`
	Category  string          `json:"category,omitempty"`
	Barcode   string          `json:"barcode,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func (r *InventoryItem) Kind() Kind { return KindInventoryItem }
func (r *InventoryItem) Meta() *RecordMeta { return &r.RecordMeta }
func (r *InventoryItem) OccurredAt() time.Time { return time.Time{} }

// WeightEntry is a single weight measurement.
type WeightEntry struct {
	RecordMeta
	Weight     decimal.Decimal `json:"weight"`
	Unit       string          `json:"unit" validate:"required,oneof=kg lb"`
	RecordedAt time.Time       `json:"recorded_at" validate:"required"`
	Note       string          `json:"note,omitempty"`
}

func (r *WeightEntry) Kind() Kind { return KindWeightEntry }
func (r *WeightEntry) Meta() *RecordMeta { return &r.RecordMeta }
func (r *WeightEntry) OccurredAt() time.Time { return r.RecordedAt }

// UserSettings is the per-user settings singleton (id SettingsID).
type UserSettings struct {
	RecordMeta
	DailyCalorieGoal int    `json:"daily_calorie_goal" validate:"gte=0"`
	UnitSystem       string `json:"unit_system" validate:"omitempty,oneof=metric imperial"`
	Timezone         string `json:"timezone,omitempty"`
	// Preferences carries the free-form client preference blob untouched.
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

func (r *UserSettings) Kind() Kind { return KindUserSettings }
func (r *UserSettings) Meta() *RecordMeta { return &r.RecordMeta }
func (r *UserSettings) OccurredAt() time.Time { return time.Time{} }

// FavoriteFood is a saved food the user can re-log quickly.
type FavoriteFood struct {
	RecordMeta
	Name string `json:"name" validate:"required,max=200"`
	// Food is the source food document (barcode database, recipe, custom entry)
	// whose shape differs per source.
	Food json.RawMessage `json:"food,omitempty"`
}

func (r *FavoriteFood) Kind() Kind { return KindFavoriteFood }
func (r *FavoriteFood) Meta() *RecordMeta { return &r.RecordMeta }
func (r *FavoriteFood) OccurredAt() time.Time { return time.Time{} }

// EatingPlan is a timed-eating schedule.
type EatingPlan struct {
	RecordMeta
	Name         string `json:"name" validate:"required,max=100"`
	FastingHours int    `json:"fasting_hours" validate:"gte=0,lte=168"`
	EatingHours  int    `json:"eating_hours" validate:"gte=0,lte=24"`
	StartMinute  int    `json:"start_minute" validate:"gte=0,lt=1440"` // minutes after local midnight
	Weekdays     []int  `json:"weekdays,omitempty" validate:"dive,gte=0,lte=6"`
	Active       bool   `json:"active"`
}

func (r *EatingPlan) Kind() Kind { return KindEatingPlan }
func (r *EatingPlan) Meta() *RecordMeta { return &r.RecordMeta }
func (r *EatingPlan) OccurredAt() time.Time { return time.Time{} }

// EatingSession is one eating window, optionally tied to a plan.
type EatingSession struct {
	RecordMeta
	PlanID    string     `json:"plan_id,omitempty"`
	StartedAt time.Time  `json:"started_at" validate:"required"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    string     `json:"status" validate:"required,oneof=active completed cancelled"`
}

func (r *EatingSession) Kind() Kind { return KindEatingSession }
func (r *EatingSession) Meta() *RecordMeta { return &r.RecordMeta }
func (r *EatingSession) OccurredAt() time.Time { return r.StartedAt }

// SymptomLog records symptoms, optionally linked to food entries.
type SymptomLog struct {
	RecordMeta
	LoggedAt     time.Time `json:"logged_at" validate:"required"`
	Symptoms     []string  `json:"symptoms" validate:"required,min=1,dive,required"`
	Severity     int       `json:"severity" validate:"gte=0,lte=10"`
	FoodEntryIDs []string  `json:"food_entry_ids,omitempty"`
	Notes        string    `json:"notes,omitempty"`
}

func (r *SymptomLog) Kind() Kind { return KindSymptomLog }
func (r *SymptomLog) Meta() *RecordMeta { return &r.RecordMeta }
func (r *SymptomLog) OccurredAt() time.Time { return r.LoggedAt }
