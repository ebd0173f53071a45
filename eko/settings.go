package eko

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// =============================================================================
// SETTINGS - EkoGlobalSettings
// =============================================================================

// MaxSettingValue bounds every settings field so point arithmetic stays
// well inside int64.
const MaxSettingValue int64 = 1_000_000_000_000

// Settings is the admin-mutable program configuration. All fields must be
// positive and at most MaxSettingValue. Changes apply prospectively; past
// entries are never rewritten.
type Settings struct {
	PointsPerCurrencyUnit  int64 `json:"pointsPerPln"`
	PointsToPlantTree      int64 `json:"pointsToPlantTree"`
	PointsForDarkMode      int64 `json:"pointsForDarkMode"`
	PointsFor2FA           int64 `json:"pointsFor2FA"`
	PointsForAutoRenew     int64 `json:"pointsForAutoRenew"`
	PointsForYearlyPayment int64 `json:"pointsForYearlyPayment"`
}

func DefaultSettings() Settings {
	return Settings{
		PointsPerCurrencyUnit:  10,
		PointsToPlantTree:      1000,
		PointsForDarkMode:      50,
		PointsFor2FA:           100,
		PointsForAutoRenew:     200,
		PointsForYearlyPayment: 500,
	}
}

// Validate rejects non-positive and oversized fields, naming every offending one.
func (s Settings) Validate() error {
	fields := []struct {
		name  string
		value int64
	}{
		{"pointsPerCurrencyUnit", s.PointsPerCurrencyUnit},
		{"pointsToPlantTree", s.PointsToPlantTree},
		{"pointsForDarkMode", s.PointsForDarkMode},
		{"pointsFor2FA", s.PointsFor2FA},
		{"pointsForAutoRenew", s.PointsForAutoRenew},
		{"pointsForYearlyPayment", s.PointsForYearlyPayment},
	}
	var bad, huge []string
	for _, f := range fields {
		switch {
		case f.value <= 0:
			bad = append(bad, f.name)
		case f.value > MaxSettingValue:
			huge = append(huge, f.name)
		}
	}
	var problems []string
	if len(bad) > 0 {
		problems = append(problems, "must be positive: "+strings.Join(bad, ", "))
	}
	if len(huge) > 0 {
		problems = append(problems, fmt.Sprintf("must be at most %d: %s", MaxSettingValue, strings.Join(huge, ", ")))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// BonusFor returns the configured constant for a bonus action.
func (s Settings) BonusFor(a Action) (int64, bool) {
	switch a {
	case Action2FAEnabled:
		return s.PointsFor2FA, true
	case ActionAutoRenewEnabled:
		return s.PointsForAutoRenew, true
	case ActionDarkModeEnabled:
		return s.PointsForDarkMode, true
	case ActionYearlyPayment:
		return s.PointsForYearlyPayment, true
	}
	return 0, false
}

// =============================================================================
// SETTINGS STORE + PROVIDER
// =============================================================================

// SettingsStore persists the singleton settings row.
type SettingsStore interface {
	// LoadSettings returns ok=false when nothing has been saved yet.
	LoadSettings(ctx context.Context) (s Settings, ok bool, err error)
	SaveSettings(ctx context.Context, s Settings) error
}

// SettingsProvider is the shared, concurrently readable settings object.
// Every computation reads Current() once and uses that snapshot throughout.
type SettingsProvider struct {
	store   SettingsStore
	current atomic.Pointer[Settings]
}

// NewSettingsProvider loads persisted settings, or persists seed when the
// store is empty. A nil store keeps settings in memory only.
func NewSettingsProvider(ctx context.Context, store SettingsStore, seed Settings) (*SettingsProvider, error) {
	p := &SettingsProvider{store: store}

	s := seed
	if store != nil {
		loaded, ok, err := store.LoadSettings(ctx)
		if err != nil {
			return nil, fmt.Errorf("load eko settings: %w", err)
		}
		if ok {
			s = loaded
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if store != nil {
		if err := store.SaveSettings(ctx, s); err != nil {
			return nil, fmt.Errorf("save eko settings: %w", err)
		}
	}
	p.current.Store(&s)
	return p, nil
}

func (p *SettingsProvider) Current() Settings {
	return *p.current.Load()
}

// Update validates, persists and publishes new settings. On any failure the
// previous settings stay in effect.
func (p *SettingsProvider) Update(ctx context.Context, s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return p.Current(), err
	}
	if p.store != nil {
		if err := p.store.SaveSettings(ctx, s); err != nil {
			return p.Current(), fmt.Errorf("save eko settings: %w", err)
		}
	}
	p.current.Store(&s)
	return s, nil
}
