package eko

import (
	"context"

	"github.com/warp/hosting-engine/generic"
)

// Summary is the dashboard view of an account's points.
type Summary struct {
	CurrentPoints         int64
	PointsPerCurrencyUnit int64
	Tree                  TreeProgress
	History               []Entry
}

func (l *Ledger) Summary(ctx context.Context, accountID string, page generic.Page) (Summary, error) {
	s := l.settings.Current()

	bal, err := l.Balance(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	tree, err := Progress(bal, s.PointsToPlantTree)
	if err != nil {
		return Summary{}, err
	}
	history, err := l.History(ctx, accountID, page)
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		CurrentPoints:         bal,
		PointsPerCurrencyUnit: s.PointsPerCurrencyUnit,
		Tree:                  tree,
		History:               history,
	}, nil
}

// Badge is the public, embeddable view of an account's forest.
type Badge struct {
	AccountID    string
	TreesPlanted int64
	Stage        Stage
}

func (l *Ledger) Badge(ctx context.Context, accountID string) (Badge, error) {
	bal, err := l.Balance(ctx, accountID)
	if err != nil {
		return Badge{}, err
	}
	tree, err := Progress(bal, l.settings.Current().PointsToPlantTree)
	if err != nil {
		return Badge{}, err
	}
	return Badge{AccountID: accountID, TreesPlanted: tree.TreesPlanted, Stage: tree.Stage}, nil
}
