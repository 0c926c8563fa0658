// Command fcgi-echo is the end-to-end demonstration binary for this
// module (§8 Scenario 1: a Responder that echoes STDIN back as STDOUT).
// It runs either side of the protocol depending on the subcommand:
//
//	fcgi-echo serve [config.yaml]   runs the Server (the application)
//	fcgi-echo call  [config.yaml]   runs the Client, sends one request,
//	                                and prints what came back
//
// Grounded in sadewadee-maboo's cmd/maboo/main.go: subcommand dispatch,
// a config path defaulting to a well-known filename, signal-driven
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xpwu/go-fastcgi/fcgiclient"
	"github.com/xpwu/go-fastcgi/fcgiconfig"
	"github.com/xpwu/go-fastcgi/fcgiserver"
	"github.com/xpwu/go-log/log"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(configPath())
	case "call":
		call(configPath())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func configPath() string {
	if len(os.Args) > 2 {
		return os.Args[2]
	}
	return "fcgi-echo.yaml"
}

func loadConfig(path string) *fcgiconfig.Config {
	if _, err := os.Stat(path); err != nil {
		return fcgiconfig.Default()
	}
	cfg, err := fcgiconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcgi-echo: loading %s: %v\n", path, err)
		os.Exit(1)
	}
	return cfg
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: fcgi-echo <serve|call|help> [config.yaml]")
}

// serve runs the FastCGI Server side: an echo Responder that copies
// STDIN back to STDOUT.
func serve(cfgPath string) {
	cfg := loadConfig(cfgPath)
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = "127.0.0.1:9000"
	}

	ctx, logger := log.WithCtx(context.Background())
	logger.PushPrefix("fcgi-echo serve, ")

	handler := fcgiserver.HandlerFunc(func(req *fcgiserver.Request) {
		buf := make([]byte, 4096)
		for {
			n, err := req.Stdin.Read(buf)
			if n > 0 {
				req.Stdout.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	})

	srv := fcgiserver.NewServer(ctx, handler, fcgiserver.Options{
		MaxConns:  cfg.Server.MaxConns,
		MaxReqs:   cfg.Server.MaxReqs,
		MpxsConns: cfg.Server.MpxsConns,
	})
	if err := srv.Start(cfg.Server.Bind); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
	logger.Debug(fmt.Sprintf("listening on %s", srv.GetBindAddress()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Debug("shutting down")
	if err := srv.Stop(); err != nil {
		logger.Error(err)
	}
}

// call runs the FastCGI Client side: connects, optionally supervises
// the configured application process, sends one Responder request with
// a fixed payload, and prints the echoed STDOUT to stdout.
func call(cfgPath string) {
	cfg := loadConfig(cfgPath)
	if cfg.Client.Address == "" {
		cfg.Client.Address = "127.0.0.1:9000"
	}

	ctx, logger := log.WithCtx(context.Background())
	logger.PushPrefix("fcgi-echo call, ")

	client := fcgiclient.NewClient(ctx, cfg.Client.Exec)
	if err := client.Start(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
	if err := client.Connect(cfg.Client.Address); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
	defer client.Close()

	done := make(chan struct{})
	var output []byte
	id := client.SendRequest(
		map[string]string{"REQUEST_METHOD": "GET", "SCRIPT_NAME": "/echo"},
		func(_ uint16, data []byte) { output = append(output, data...) },
		func() { close(done) },
	)
	if id == 0 {
		logger.Error(fmt.Errorf("fcgi-echo: SendRequest rejected (not connected or over capacity)"))
		os.Exit(1)
	}

	if err := client.SendRequestData(id, []byte("hello from fcgi-echo")); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
	if err := client.SendRequestData(id, nil); err != nil {
		logger.Error(err)
		os.Exit(1)
	}

	select {
	case <-done:
		fmt.Printf("%s\n", output)
	case <-time.After(5 * time.Second):
		logger.Error(fmt.Errorf("fcgi-echo: timed out waiting for response"))
		os.Exit(1)
	}
}
