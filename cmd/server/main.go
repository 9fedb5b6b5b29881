package main

import (
	"context"
	"log"

	"github.com/dmitrijs2005/texcouncil/internal/server"
	"github.com/dmitrijs2005/texcouncil/internal/server/config"
)

func main() {
	ctx := context.Background()

	app, err := server.NewApp(ctx, config.LoadConfig())
	if err != nil {
		log.Fatalf("texcouncil: startup failed: %v", err)
	}

	app.Run(ctx)
}
