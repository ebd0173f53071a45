package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/hosting-engine/eko"
)

var _ eko.SettingsStore = (*Store)(nil)

// LoadSettings reads the singleton row. ok is false before the first save.
func (s *Store) LoadSettings(ctx context.Context) (eko.Settings, bool, error) {
	var st eko.Settings
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT points_per_currency_unit, points_to_plant_tree, points_for_dark_mode,
		       points_for_2fa, points_for_auto_renew, points_for_yearly_payment
		FROM eko_settings WHERE id = 1`,
	).Scan(&st.PointsPerCurrencyUnit, &st.PointsToPlantTree, &st.PointsForDarkMode,
		&st.PointsFor2FA, &st.PointsForAutoRenew, &st.PointsForYearlyPayment)
	if errors.Is(err, sql.ErrNoRows) {
		return eko.Settings{}, false, nil
	}
	if err != nil {
		return eko.Settings{}, false, fmt.Errorf("failed to load eko settings: %w", err)
	}
	return st, true, nil
}

// SaveSettings replaces the singleton row.
func (s *Store) SaveSettings(ctx context.Context, st eko.Settings) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO eko_settings (id, points_per_currency_unit, points_to_plant_tree,
			points_for_dark_mode, points_for_2fa, points_for_auto_renew,
			points_for_yearly_payment, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			points_per_currency_unit = excluded.points_per_currency_unit,
			points_to_plant_tree = excluded.points_to_plant_tree,
			points_for_dark_mode = excluded.points_for_dark_mode,
			points_for_2fa = excluded.points_for_2fa,
			points_for_auto_renew = excluded.points_for_auto_renew,
			points_for_yearly_payment = excluded.points_for_yearly_payment,
			updated_at = excluded.updated_at`,
		st.PointsPerCurrencyUnit, st.PointsToPlantTree, st.PointsForDarkMode,
		st.PointsFor2FA, st.PointsForAutoRenew, st.PointsForYearlyPayment,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save eko settings: %w", err)
	}
	return nil
}
