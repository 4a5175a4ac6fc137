package api

import (
	"log/slog"
	"testing"
	"time"
)

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:               DefaultPort,
		Host:               DefaultHost,
		ReadTimeout:        time.Second,
		WriteTimeout:       time.Second,
		ShutdownTimeout:    time.Second,
		LogLevel:           slog.LevelError,
		Workers:            DefaultWorkers,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PATCH"},
		CORSAllowedHeaders: []string{"Content-Type"},
	}
}

func TestNewServerPanicsOnNilStore(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected NewServer to panic with a nil store")
		}
	}()

	NewServer(testServerConfig(), nil, nil, "test", "/tmp/test.sqlite")
}

func TestNewServerSucceedsWithStore(t *testing.T) {
	store := newFakeStore()

	server := NewServer(testServerConfig(), store, nil, "1.2.3", "/tmp/test.sqlite")
	if server == nil {
		t.Fatal("expected a non-nil server")
	}

	if server.store != store {
		t.Error("expected server to retain the injected store")
	}
}
