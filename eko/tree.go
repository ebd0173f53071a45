package eko

import "fmt"

// =============================================================================
// TREE PROGRESSION - derived view, never stored
// =============================================================================

// Stage is the discretized growth stage of the tree currently being grown.
type Stage int

const (
	StageSeedling Stage = iota + 1
	StageSmall
	StageMedium
	StageLarge
)

const stageCount = 4

func (s Stage) String() string {
	switch s {
	case StageSeedling:
		return "seedling"
	case StageSmall:
		return "small"
	case StageMedium:
		return "medium"
	case StageLarge:
		return "large"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// TreeProgress is recomputed from the balance on every read.
type TreeProgress struct {
	TreesPlanted       int64
	ProgressToNextTree int // [0,100)
	Stage              Stage
}

// Progress maps a balance to trees planted and progress towards the next
// one. Progress is split into four equal bands: [0,25) is stage 1,
// [75,100) is stage 4.
func Progress(balance, pointsToPlantTree int64) (TreeProgress, error) {
	if pointsToPlantTree <= 0 || pointsToPlantTree > MaxSettingValue {
		return TreeProgress{}, fmt.Errorf("%w: pointsToPlantTree must be in 1..%d", ErrInvalidConfiguration, MaxSettingValue)
	}
	if balance < 0 {
		balance = 0
	}
	trees := balance / pointsToPlantTree
	remainder := balance - trees*pointsToPlantTree
	progress := int(remainder * 100 / pointsToPlantTree)

	return TreeProgress{
		TreesPlanted:       trees,
		ProgressToNextTree: progress,
		Stage:              Stage(progress*stageCount/100) + StageSeedling,
	}, nil
}
