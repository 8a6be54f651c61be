package main

import (
	"fmt"
	"os"

	rtlog "workshop_rt/server/common/log"
)

func main() {
	defer rtlog.Sync()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
