// vrhostd is the host interface driver daemon of the virtual router.
//
// It finishes packets bound for host interfaces (checksums, splitting to
// the interface MTU) and hands them to the forwarding fabric.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/psaab/vrhost/pkg/daemon"
	"github.com/psaab/vrhost/pkg/grpcapi"
	"github.com/psaab/vrhost/pkg/logging"
)

func main() {
	configFile := flag.String("config", "/etc/vrhost/vrhost.yaml", "configuration file path (empty for defaults)")
	dryRun := flag.Bool("dry-run", false, "use the in-memory fabric instead of a packet socket")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides the config file)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC health listen address (overrides the config file)")
	healthCheck := flag.String("health-check", "", "query the gRPC health service at this address and exit")
	healthService := flag.String("health-service", "", "service to query with -health-check (empty for overall)")
	interactive := flag.Bool("cli", false, "run the operational shell on stdin")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *healthCheck != "" {
		os.Exit(queryHealth(*healthCheck, *healthService))
	}

	// Set up structured logging
	level := new(slog.LevelVar)
	if *debug {
		level.Set(slog.LevelDebug)
	}
	logHandler := logging.NewSyslogSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(slog.New(logHandler))

	d := daemon.New(daemon.Options{
		ConfigFile:  *configFile,
		DryRun:      *dryRun,
		APIAddr:     *apiAddr,
		GRPCAddr:    *grpcAddr,
		Interactive: *interactive,
		Log:         logHandler,
		Level:       level,
		Debug:       *debug,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "vrhostd: %v\n", err)
		os.Exit(1)
	}
}

// queryHealth prints the health response as JSON and returns the process
// exit code: 0 when SERVING.
func queryHealth(addr, service string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := grpcapi.Query(ctx, addr, service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vrhostd: health check: %v\n", err)
		return 2
	}
	fmt.Println(protojson.Format(resp))
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
