// feedlanectl enqueues and inspects the background security jobs.
//
//	feedlanectl sweep
//	feedlanectl invalidate --user <id> [--org <id>]
//	feedlanectl inspect
//	feedlanectl scheduled [--size n]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/feedlane/feedlane/cmd/feedlanectl/cli"
	"github.com/feedlane/feedlane/internal/platform/cache"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		redisAddr string
		userID    string
		orgID     string
		size      int
		timeout   time.Duration
	)
	flagSet := pflag.NewFlagSet("feedlanectl", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "redis address of the job queue")
	flagSet.StringVar(&userID, "user", "", "user whose cached permissions are dropped (invalidate)")
	flagSet.StringVar(&orgID, "org", "", "organization scope, empty for all (invalidate)")
	flagSet.IntVar(&size, "size", 10, "page size (scheduled)")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "overall command timeout")
	flagSet.Usage = func() {
		fmt.Fprintln(out, "usage: feedlanectl [flags] sweep|invalidate|inspect|scheduled")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("exactly one command required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jobsCLI := cli.NewJobsCLI(cache.AsynqOpt(cache.Options{Addr: redisAddr}))
	defer jobsCLI.Close()

	switch cmd := flagSet.Arg(0); cmd {
	case "sweep":
		info, err := jobsCLI.TriggerSweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "enqueued %s id=%s\n", info.Type, info.ID)
	case "invalidate":
		info, err := jobsCLI.Invalidate(ctx, userID, orgID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "enqueued %s id=%s\n", info.Type, info.ID)
	case "inspect":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, stats)
	case "scheduled":
		tasks, err := jobsCLI.ListScheduled(ctx, size)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Fprintf(out, "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
		}
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
