package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"redis/internal/handler"
	"redis/internal/replication"
	"redis/internal/storage"
)

// RedisServer owns the listener, the keyspace, the replication registry
// and (if configured as a follower) the follower client, and fans out
// accepted connections to the command handler.
type RedisServer struct {
	log      *zap.Logger
	config   *Config
	listener net.Listener

	keyspace *storage.Keyspace
	registry *replication.Registry
	follower *replication.FollowerClient
	cmd      *handler.CommandHandler

	connections     sync.Map
	activeConnCount atomic.Int64
	wg              sync.WaitGroup

	mu         sync.Mutex
	isShutdown bool
}

func NewRedisServer(log *zap.Logger, cfg *Config) *RedisServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ks := storage.NewKeyspace()
	registry := replication.NewRegistry(log)

	cmdHandler := handler.NewCommandHandler(log, ks, registry, cfg.Dir, cfg.DBFilename, cfg.ReplicaOf)
	cmdHandler.LoadRDB()

	s := &RedisServer{
		log:      log,
		config:   cfg,
		keyspace: ks,
		registry: registry,
		cmd:      cmdHandler,
	}

	if cfg.ReplicaOf != "" {
		host, portStr, ok := strings.Cut(cfg.ReplicaOf, " ")
		if ok {
			if port, err := strconv.Atoi(portStr); err == nil {
				s.follower = replication.NewFollowerClient(log, host, port, cfg.Port)
				s.follower.Apply = s.applyReplicated
			} else {
				log.Warn("invalid --replicaof port", zap.String("replicaof", cfg.ReplicaOf))
			}
		} else {
			log.Warn("invalid --replicaof value, expected \"host port\"", zap.String("replicaof", cfg.ReplicaOf))
		}
	}

	return s
}

// applyReplicated runs one command propagated from the leader against
// the local keyspace, bypassing the read-only check that ordinary
// client connections are subject to.
func (s *RedisServer) applyReplicated(parts []string) {
	if len(parts) == 0 {
		return
	}
	s.cmd.ApplyReplicated(parts)
}

// Start listens and, if configured as a follower, connects to the
// leader in the background. It blocks until ctx is cancelled.
func (s *RedisServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	s.log.Info("listening", zap.String("addr", addr))

	if s.follower != nil {
		go s.runFollower()
	}

	go s.acceptConnections(ctx)

	<-ctx.Done()
	return nil
}

func (s *RedisServer) runFollower() {
	for {
		if err := s.follower.Run(); err != nil {
			s.log.Warn("replication connection to leader dropped", zap.Error(err))
		}
		time.Sleep(time.Second)
	}
}

func (s *RedisServer) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.isShutdown
			s.mu.Unlock()
			if down {
				return
			}
			s.log.Warn("accept error", zap.Error(err))
			continue
		}

		s.activeConnCount.Add(1)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *RedisServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.activeConnCount.Add(-1)

	s.connections.Store(conn, struct{}{})
	defer s.connections.Delete(conn)

	s.cmd.Handle(conn)
}

// Shutdown closes the listener and every open connection, waiting up
// to five seconds for in-flight connection goroutines to exit.
func (s *RedisServer) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(key, _ interface{}) bool {
		if conn, ok := key.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("shutdown complete")
	case <-time.After(5 * time.Second):
		s.log.Warn("shutdown timed out waiting for connections")
	}
}
