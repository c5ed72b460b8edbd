package main

import (
	"log"

	"github.com/cordum/stagehand/core/controlplane/workflowengine"
	"github.com/cordum/stagehand/core/infra/buildinfo"
	"github.com/cordum/stagehand/core/infra/config"
)

func main() {
	buildinfo.Log("stagehand-engine")
	cfg := config.Load()
	if err := workflowengine.Run(cfg); err != nil {
		log.Fatalf("workflow engine error: %v", err)
	}
}
