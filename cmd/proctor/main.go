// Package main starts the proctoring coordinator and handles termination.
//
// The process relays live exam sessions between students and supervisors
// while face matching stays with the external identity service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	proctorcmd "github.com/louisbranch/proctorvision/internal/cmd/proctor"
	"github.com/louisbranch/proctorvision/internal/platform/config"
)

func main() {
	cfg, err := proctorcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := proctorcmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
