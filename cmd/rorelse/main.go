// Command rorelse is a single-camera motion-triggered recorder. Each stage
// runs as its own process sharing one memory segment, or all together with
// the "all" command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alesr/rorelse/config"
	"github.com/alesr/rorelse/logging"
)

const usage = `Usage: rorelse [flags] <command>

Commands:
  capture   decode the camera and publish frames into shared memory
  motion    detect motion on the live frame and drive the recording flag
  record    assemble and encode a video for every motion event
  stream    serve the live frame as MJPEG on /video_feed
  all       run every stage in this process
  list      print the most recent recordings from the catalog
  show ID   print one recording from the catalog as JSON

Flags:
`

func main() {
	if err := run(); err != nil {
		slog.Error("rorelse: exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("rorelse", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	removeSegment := fs.Bool("remove-segment", false, "delete the shared segment when capture stops")
	limit := fs.Int("limit", 20, "recordings printed by list; 0 prints all")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("expected a command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.Setup(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{
		cfg:             cfg,
		logger:          logger,
		removeSegment:   *removeSegment,
		metricsInterval: metricsInterval,
		limit:           *limit,
		args:            fs.Args()[1:],
		out:             os.Stdout,
	}

	var runCmd func(context.Context) error
	switch cmd := fs.Arg(0); cmd {
	case "capture":
		runCmd = a.capture
	case "motion":
		runCmd = a.motion
	case "record":
		runCmd = a.record
	case "stream":
		runCmd = a.stream
	case "all":
		runCmd = a.all
	case "list":
		runCmd = a.list
	case "show":
		runCmd = a.show
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	logger.Info("rorelse: starting",
		"command", fs.Arg(0),
		"camera", cfg.Camera,
		"size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
		"segment", cfg.SegmentPath(),
	)

	err = runCmd(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("rorelse: stopped")
		return nil
	}
	return err
}
