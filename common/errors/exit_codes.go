package errors

type ExitCode int

// Exit codes of the step setup worker. The coordinator and both scheduler
// implementations interpret them the same way.
const (
	SetupOKExitCode        ExitCode = 0
	SetupCancelledExitCode ExitCode = 101
	SetupFailedExitCode    ExitCode = 102
	SetupCrashedExitCode   ExitCode = 103
)

// Exit codes of the bookkeeping and cable helper workers.
const (
	WorkerOKExitCode           ExitCode = 0
	BadParamFileExitCode       ExitCode = 2
	BookkeepingFailureExitCode ExitCode = 110
	CableFailureExitCode       ExitCode = 120
)

func (c ExitCode) String() string {
	switch c {
	case SetupOKExitCode:
		return "ok"
	case SetupCancelledExitCode:
		return "cancelled during setup"
	case SetupFailedExitCode:
		return "failed setup validation"
	case SetupCrashedExitCode:
		return "setup crashed"
	case BadParamFileExitCode:
		return "bad parameter file"
	case BookkeepingFailureExitCode:
		return "bookkeeping failure"
	case CableFailureExitCode:
		return "cable failure"
	}
	return "unknown exit code"
}
