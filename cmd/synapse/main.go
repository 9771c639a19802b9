//go:build linux

// Command synapse serves a directory over HTTP/1.1 using the non-blocking
// single-threaded transport.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Wilblik/synapse/pkg/synapse/server"
	"github.com/Wilblik/synapse/pkg/synapse/static"
)

const (
	exitOK       = 0
	exitStartup  = 1
	exitArgument = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		port        uint16
		connTimeout uint
		noBrowse    bool
		startupErr  error
	)

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:   "synapse [flags] WEB_ROOT",
		Short: "Single-threaded non-blocking HTTP/1.1 static file server",
		Args: func(cmd *cobra.Command, posArgs []string) error {
			if len(posArgs) != 1 {
				return fmt.Errorf("expected exactly one web root argument, got %d", len(posArgs))
			}
			info, err := os.Stat(posArgs[0])
			if err != nil {
				return fmt.Errorf("web root %q: %v", posArgs[0], err)
			}
			if !info.IsDir() {
				return fmt.Errorf("web root %q is not a directory", posArgs[0])
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			err := serve(log, port, connTimeout, !noBrowse, posArgs[0])
			if err != nil {
				startupErr = err
			}
			return err
		},
	}

	var flags *pflag.FlagSet = root.Flags()
	flags.Uint16VarP(&port, "port", "p", 8080, "port to listen on")
	flags.UintVarP(&connTimeout, "conn_timeout", "t", 60, "idle connection timeout in seconds (0 disables)")
	flags.BoolVarP(&noBrowse, "no-browse", "b", false, "disable directory listings")
	flags.SortFlags = false

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return err
	})

	if err := root.Execute(); err != nil {
		log.Error(err)
		if startupErr != nil {
			return exitStartup
		}
		// Flag and argument errors never reach RunE.
		return exitArgument
	}
	return exitOK
}

func serve(log *logrus.Logger, port uint16, connTimeout uint, browse bool, webRoot string) error {
	handler := &static.Handler{
		Root:   webRoot,
		Browse: browse,
		Log:    log,
	}

	srv, err := server.New(server.Config{
		Port:        port,
		IdleTimeout: time.Duration(connTimeout) * time.Second,
		Callbacks: server.Callbacks{
			OnRequest: handler.OnRequest,
		},
		Log: log,
	})
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM request a cooperative stop; the poller's eventfd wakes
	// a blocked wait, the current batch completes, then the loop exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		srv.Stop()
	}()

	log.WithFields(logrus.Fields{
		"port": port,
		"root": webRoot,
	}).Info("starting")

	runErr := srv.Run()
	if err := srv.Destroy(); err != nil {
		log.WithError(err).Warn("destroy failed")
	}
	return runErr
}
