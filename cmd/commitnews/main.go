package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := App().Run(os.Args); err != nil {
		slog.Error("commitnews failed", "error", err)
		os.Exit(1)
	}
}
