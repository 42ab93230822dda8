package pipeline

import (
	"errors"
	"fmt"

	"github.com/psrpipe/pipeline/internal/store"
	"github.com/psrpipe/pipeline/internal/transform"
)

// BadStatusError reports that a stage worker was handed a row that does not
// satisfy the (status, stage) precondition for its action. The row is left
// untouched; the caller simply skips it.
type BadStatusError struct {
	FileID uint
	DirID  uint
	Status string
	Stage  string
	Want   string
}

func (e *BadStatusError) Error() string {
	if e.DirID != 0 {
		return fmt.Sprintf("directory %d not eligible: status=%q, want %s", e.DirID, e.Status, e.Want)
	}
	return fmt.Sprintf("file %d not eligible: status=%q stage=%q, want %s", e.FileID, e.Status, e.Stage, e.Want)
}

// DataReductionError reports a domain failure of the reduction itself, such
// as a missing calibrator aggregate, as opposed to an infrastructure fault.
type DataReductionError struct {
	FileID uint
	Msg    string
	Err    error
}

func (e *DataReductionError) Error() string {
	msg := "data reduction failed"
	if e.FileID != 0 {
		msg = fmt.Sprintf("data reduction failed for file %d", e.FileID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Msg)
}

func (e *DataReductionError) Unwrap() error {
	return e.Err
}

// InputError reports a request that is invalid before any row is touched,
// such as calibrating a non-pulsar observation.
type InputError struct {
	ObsID uint
	Msg   string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input for observation %d: %s", e.ObsID, e.Msg)
}

// UnknownActionError rejects an action name outside the known set before any
// row selection occurs.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unrecognized action %q, valid actions are %s", e.Action, knownActionNames())
}

// categorize maps an error to the short category name recorded in row notes.
// Full detail goes to the logs only.
func categorize(err error) string {
	var bad *BadStatusError
	var red *DataReductionError
	var row *store.RowCountError
	var in *InputError
	var tf *transform.Failure
	switch {
	case errors.As(err, &bad):
		return "BadStatus"
	case errors.As(err, &red), errors.As(err, &tf):
		return "DataReductionFailed"
	case errors.As(err, &row):
		return "DatabaseError"
	case errors.As(err, &in):
		return "InputError"
	default:
		return "Error"
	}
}

// failNote builds the note stored on a failed row: category plus top-level
// message, never the full diagnostic detail.
func failNote(what string, err error) string {
	return fmt.Sprintf("%s failed! %s: %s", what, categorize(err), err.Error())
}
