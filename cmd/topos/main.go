package main

import (
	"embed"
	"fmt"
	"os"

	"github.com/Bubobubobubobubo/topos/pkg/app"
)

//go:embed scripts
var embedded embed.FS

func main() {
	application := app.New(embedded)
	if err := application.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
