package main

import (
	"os"

	agentdbgcmder "github.com/papercomputeco/agentdbg/cmd/agentdbg"
)

func main() {
	cmd := agentdbgcmder.NewAgentdbgCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
