package main

import (
	"os"

	"medallion/cmd/medallion/commands"
	"medallion/internal/logger"

	// register all backends with the storage factory.
	// publish targets name their backend in config so every driver is built in.
	_ "medallion/internal/storage/all"
)

func main() {
	// cobra prints the error; pipeline failures are also in the logs.
	if err := commands.RootCmd.Execute(); err != nil {
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}
