package server

import "time"

// Config holds everything needed to stand up one server instance.
type Config struct {
	Host string
	Port int

	// ReplicaOf is "host port" of a leader to follow, or "" to run as a
	// leader. Mirrors Redis's --replicaof flag shape.
	ReplicaOf string

	Dir        string
	DBFilename string

	IdleTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Host:        "0.0.0.0",
		Port:        6379,
		Dir:         ".",
		DBFilename:  "dump.rdb",
		IdleTimeout: 5 * time.Minute,
	}
}
