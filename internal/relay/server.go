package relay

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Config is the relay's environment-driven configuration (spec.md §6
// "Environment").
type Config struct {
	SQLitePath      string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	AWSAccessKeyID  string
	AWSSecretKey    string
	Port            string
}

// ConfigFromEnv reads Config from the process environment, the shape
// the relay binary runs with in production.
func ConfigFromEnv() Config {
	return Config{
		SQLitePath:     os.Getenv("SQLITE_PATH"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       os.Getenv("S3_REGION"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		AWSAccessKeyID: os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:   os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Port:           os.Getenv("PORT"),
	}
}

// Server wires the relay store, object store, and router together.
type Server struct {
	store   *Store
	objects *ObjectStore
	gc      *GC
	log     *logrus.Logger
	cfg     Config
}

// NewServer constructs a Server from cfg. Setup failures (bad sqlite
// path, bad AWS config) are returned rather than calling os.Exit, so
// cmd/inkline-relay controls the non-zero exit code itself (spec.md §6).
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	store, err := OpenStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("relay: open store: %w", err)
	}

	objects, err := NewObjectStore(ctx, ObjectStoreConfig{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretKey,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("relay: open object store: %w", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	return &Server{
		store:   store,
		objects: objects,
		gc:      NewGC(store, objects, time.Hour),
		log:     log,
		cfg:     cfg,
	}, nil
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// Run starts the HTTP server and the blob GC loop, blocking until ctx
// is cancelled or a SIGINT/SIGTERM arrives, then shuts down gracefully
// (spec.md §6: "SIGINT/SIGTERM trigger graceful shutdown").
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gcCtx, cancelGC := context.WithCancel(ctx)
	defer cancelGC()
	go s.gc.RunLoop(gcCtx, 15*time.Minute, 30*time.Second, 2*time.Second)

	port := s.cfg.Port
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", httpServer.Addr).Info("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
