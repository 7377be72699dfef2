package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/cli"
	errs "github.com/dmacmillan/Kive-sub000/common/errors"
	"github.com/dmacmillan/Kive-sub000/common/log/hooks"
	"github.com/dmacmillan/Kive-sub000/sandbox"
)

func main() {
	log.AddHook(hooks.NewContextHook())

	cmd := cli.MakeWorkerCLI(sandbox.NewWorker())
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}
	log.Error(err)
	if _, ok := err.(*errs.ExitCodeError); !ok {
		// cobra rejected the command line
		os.Exit(int(errs.BadParamFileExitCode))
	}
	os.Exit(sandbox.ExitCode(err))
}
