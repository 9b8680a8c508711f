/*
Copyright © 2012-2013 Meangrape Incorporated
*/
package main

import (
	"popup/cmd"
	"popup/internal/logging"

	"go.uber.org/zap"
)

func main() {
	if err := logging.InitLogger(); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		// stderr sync fails with EINVAL on some terminals
		if err := logging.Sync(); err != nil {
			logging.Logger().Debug("failed to sync logger on exit", zap.Error(err))
		}
	}()

	cmd.Execute()
}
