package main

import (
	"go.uber.org/zap"

	"github.com/pmkol/scanx/coremain"
	"github.com/pmkol/scanx/mlog"
)

var version = "dev/unknown"

func init() {
	coremain.SetVersion(version)
}

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Fatal("scanx exited", zap.Error(err))
	}
}
