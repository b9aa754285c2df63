package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"redis/internal/server"
)

func main() {
	port := flag.Int("port", 6379, "port to listen on")
	host := flag.String("host", "0.0.0.0", "address to bind to")
	replicaOf := flag.String("replicaof", "", `"<host> <port>" of a leader to replicate from`)
	dir := flag.String("dir", ".", "directory to load the RDB snapshot from")
	dbfilename := flag.String("dbfilename", "dump.rdb", "RDB snapshot filename")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	resolvedReplicaOf := *replicaOf
	if resolvedReplicaOf != "" && !strings.Contains(resolvedReplicaOf, " ") && flag.NArg() > 0 {
		// --replicaof <host> <port> as two bare positional-style values:
		// flag.String only consumed <host>, <port> is left in flag.Args().
		resolvedReplicaOf = resolvedReplicaOf + " " + flag.Arg(0)
		// flag.Parse stopped at <port>; resume parsing any flags after it.
		flag.CommandLine.Parse(flag.Args()[1:])
	}

	cfg := &server.Config{
		Host:       *host,
		Port:       *port,
		ReplicaOf:  resolvedReplicaOf,
		Dir:        *dir,
		DBFilename: *dbfilename,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.NewRedisServer(log, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
		srv.Shutdown()
	}()

	log.Info("starting server", zap.String("host", *host), zap.Int("port", *port))
	if err := srv.Start(ctx); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}
