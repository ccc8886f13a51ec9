package main

import (
	"context"
	"log"
	"os"

	"github.com/mihailsb/convsync/internal/buildinfo"
	"github.com/mihailsb/convsync/internal/cli"
	"github.com/mihailsb/convsync/internal/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := cli.NewApp(ctx, cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	os.Exit(app.Run(ctx))
}
