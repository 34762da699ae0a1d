package main

import (
	"os"

	"github.com/rendercloud/taskfarm/cmd/scheduler/cmd"
	"github.com/rendercloud/taskfarm/internal/common/logging"
)

func main() {
	logging.ConfigureCliLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
