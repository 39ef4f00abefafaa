package main

import (
	"fmt"
	"os"

	"bundleretry/internal/app"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: bundleretry <plan.json>")
		os.Exit(2)
	}

	application, err := app.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	err = application.Run(os.Args[1])
	_ = application.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
