package main

import (
	"errors"
	"fmt"
	"os"

	"irqsched/internal/sched"
)

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var exit *sched.ExitError
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
