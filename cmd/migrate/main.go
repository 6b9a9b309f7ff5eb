package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/splax/localvercel/pipeline/internal/app/migrate"
	"github.com/splax/localvercel/pipeline/pkg/config"
	"github.com/splax/localvercel/pipeline/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	dsn := flag.String("dsn", "", "database url (defaults to DATABASE_URL)")
	flag.Parse()

	_ = godotenv.Load()
	log := logger.New("migrate", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))
	if *dsn == "" {
		*dsn = config.GetString("DATABASE_URL", "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(*dsn, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		var states []migrate.State
		states, err = runner.Status(ctx)
		for _, st := range states {
			state := "pending"
			if st.Applied {
				state = "applied " + st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%05d  %-40s %s\n", st.Version, st.Path, state)
		}
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", *command)
}
