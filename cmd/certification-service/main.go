package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/certification/internal/auth"
	"github.com/ILLUVRSE/certification/internal/config"
	"github.com/ILLUVRSE/certification/internal/engine"
	"github.com/ILLUVRSE/certification/internal/grading"
	"github.com/ILLUVRSE/certification/internal/httpserver"
	"github.com/ILLUVRSE/certification/internal/issuer"
	"github.com/ILLUVRSE/certification/internal/outbox"
	"github.com/ILLUVRSE/certification/internal/store"
	"github.com/ILLUVRSE/certification/internal/validation"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(context.Background(), db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	certStore := store.NewPGStore(db)

	templates, err := issuer.LoadTemplateCatalog(cfg.TemplatesFile)
	if err != nil {
		log.Fatalf("template catalog: %v", err)
	}
	iss := issuer.New(certStore, issuer.Config{
		Templates:         templates,
		ValidationBaseURL: cfg.ValidationBaseURL,
	})

	var grader grading.Grader = grading.Pregraded
	if cfg.GraderURL != "" {
		grader = grading.New(cfg.GraderURL, cfg.GraderTimeout)
	} else {
		log.Printf("[main] CERTIFICATION_GRADER_URL not set in dev mode; trusting pre-graded submissions")
	}
	eng := engine.New(certStore, iss, grader, engine.Config{FanoutConcurrency: cfg.FanoutConcurrency})

	verifier, err := auth.NewVerifier(auth.Config{
		KeysFile:          cfg.AuthKeysFile,
		Issuer:            cfg.AuthIssuer,
		AllowDevPrincipal: cfg.AllowDevPrincipal,
	})
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	server := httpserver.New(httpserver.Options{AdminRole: cfg.AdminRole}, certStore, eng,
		validation.New(certStore, cfg.ValidationBaseURL), verifier)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamDone := startStreamer(ctx, cfg, certStore)

	go func() {
		log.Printf("Certification service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	shutdown(httpServer)
	cancel()
	<-streamDone
}

// startStreamer runs outbox delivery when Kafka or S3 is configured. The
// returned channel closes once the streamer has stopped.
func startStreamer(ctx context.Context, cfg config.Config, s store.Store) <-chan struct{} {
	done := make(chan struct{})
	if !cfg.StreamingEnabled() {
		log.Printf("[main] KAFKA_BROKERS and S3_BUCKET not set; certificate events stay queued")
		close(done)
		return done
	}

	var producer outbox.Producer
	if len(cfg.KafkaBrokers) > 0 {
		p, err := outbox.NewKafkaProducer(outbox.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		producer = p
	}
	var archiver outbox.Archiver
	if cfg.S3Bucket != "" {
		a, err := outbox.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		archiver = a
	}

	streamer := outbox.NewStreamer(s, producer, archiver, outbox.Config{
		BatchSize:      cfg.StreamBatchSize,
		PollInterval:   cfg.StreamPollInterval,
		MaxConcurrency: cfg.StreamMaxConcurrency,
		MaxAttempts:    cfg.StreamMaxAttempts,
	})
	go func() {
		defer close(done)
		_ = streamer.Run(ctx)
	}()
	return done
}

func shutdown(s *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
