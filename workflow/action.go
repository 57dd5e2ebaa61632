package workflow

import (
	"context"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// action performs one menu operation inside a unit of work. It may be run
// again from scratch when the unit of work loses a race, so it only writes
// through tx and out.
type action func(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome) error

func (e *Engine) registerActions() map[types.Menu]action {
	return map[types.Menu]action{
		types.MenuSubmit:    e.submit,
		types.MenuSave:      e.saveDraft,
		types.MenuReSubmit:  e.reSubmit,
		types.MenuAgree:     e.agree,
		types.MenuDeprecate: e.deprecate,
		types.MenuBack:      e.back,
		types.MenuStop:      e.stop,
	}
}
