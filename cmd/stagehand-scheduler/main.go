package main

import (
	"log"

	"github.com/cordum/stagehand/core/controlplane/scheduler"
	"github.com/cordum/stagehand/core/infra/buildinfo"
	"github.com/cordum/stagehand/core/infra/config"
)

func main() {
	buildinfo.Log("stagehand-scheduler")
	cfg := config.Load()
	if err := scheduler.Run(cfg); err != nil {
		log.Fatalf("scheduler error: %v", err)
	}
}
