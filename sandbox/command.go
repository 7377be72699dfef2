package sandbox

import (
	"context"

	errs "github.com/dmacmillan/Kive-sub000/common/errors"
	"github.com/dmacmillan/Kive-sub000/slurm"
)

// Run dispatches a worker command line:
//
//	step-helper [--bookkeeping] <params.json>
//	cable-helper <params.json>
func (w *Worker) Run(ctx context.Context, args []string) error {
	usage := errs.NewErrorf(errs.BadParamFileExitCode, "usage: %s [%s] <params> | %s <params>",
		slurm.StepHelperCommand, slurm.BookkeepingFlag, slurm.CableHelperCommand)
	if len(args) < 2 {
		return usage
	}
	switch {
	case args[0] == slurm.CableHelperCommand && len(args) == 2:
		return w.CableHelper(ctx, args[1])
	case args[0] == slurm.StepHelperCommand && len(args) == 2:
		return w.StepSetup(ctx, args[1])
	case args[0] == slurm.StepHelperCommand && len(args) == 3 && args[1] == slurm.BookkeepingFlag:
		return w.StepBookkeeping(ctx, args[2])
	}
	return usage
}

// ExitCode is the process exit code for an error returned by the worker.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(*errs.ExitCodeError); ok {
		return int(e.GetExitCode())
	}
	return 1
}
