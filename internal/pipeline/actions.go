package pipeline

import (
	"strings"

	"github.com/psrpipe/pipeline/internal/models"
)

// Action describes one dispatchable pipeline step: which rows feed it and
// which gates apply before dispatch.
type Action struct {
	Name string
	// InputStages filters the selector; empty means the action does not draw
	// from the files table (group draws from directories, load has its own
	// selector).
	InputStages []models.FileStage
	// QCOnly restricts eligibility to rows with an explicit qcpassed=true.
	QCOnly bool
	// WithLock marks actions whose worker touches a calibration aggregate
	// and therefore runs under the per-source lock.
	WithLock bool
}

const (
	ActionGroup     = "group"
	ActionCombine   = "combine"
	ActionCorrect   = "correct"
	ActionClean     = "clean"
	ActionCalibrate = "calibrate"
	ActionLoad      = "load"
)

// actions holds every known action. Dispatch priority is decided by the
// scheduler, not by this table.
var actions = map[string]Action{
	ActionGroup:     {Name: ActionGroup},
	ActionCombine:   {Name: ActionCombine, InputStages: []models.FileStage{models.StageGrouped}},
	ActionCorrect:   {Name: ActionCorrect, InputStages: []models.FileStage{models.StageCombined}},
	ActionClean:     {Name: ActionClean, InputStages: []models.FileStage{models.StageCorrected}},
	ActionCalibrate: {Name: ActionCalibrate, InputStages: []models.FileStage{models.StageCleaned}, QCOnly: true, WithLock: true},
	ActionLoad:      {Name: ActionLoad},
}

// ActionByName resolves a name to its action, rejecting unknown names before
// any row selection occurs.
func ActionByName(name string) (Action, error) {
	a, ok := actions[name]
	if !ok {
		return Action{}, &UnknownActionError{Action: name}
	}
	return a, nil
}

func knownActionNames() string {
	names := []string{ActionGroup, ActionCombine, ActionCorrect, ActionClean, ActionCalibrate, ActionLoad}
	return strings.Join(names, ", ")
}
