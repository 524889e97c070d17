package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/treeline/mailflow/internal/api"
	"github.com/treeline/mailflow/internal/config"
	"github.com/treeline/mailflow/internal/eligibility"
	"github.com/treeline/mailflow/internal/mail"
	"github.com/treeline/mailflow/internal/pkg/distlock"
	"github.com/treeline/mailflow/internal/scheduler"
	"github.com/treeline/mailflow/internal/sequence"
	"github.com/treeline/mailflow/internal/store"
	"github.com/treeline/mailflow/internal/template"
	"github.com/treeline/mailflow/internal/worker"
)

const passLockTTL = 10 * time.Minute

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	once := flag.Bool("once", false, "run a single send pass and exit")
	status := flag.Bool("status", false, "print today's send status and exit")
	enrollSeq := flag.Int("enroll", 0, "enroll a lead into this sequence ID and exit (requires -lead)")
	enrollLead := flag.Int("lead", 0, "lead ID to enroll, used with -enroll")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Sender] Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[Sender] Failed to connect to database: %v", err)
	}
	defer st.Close()
	log.Println("[Sender] Database connection established")

	hours, err := scheduler.NewHours(mustLocation(cfg.Hours.Timezone), cfg.Hours.StartHour, cfg.Hours.EndHour, cfg.Hours.Weekdays)
	if err != nil {
		log.Fatalf("[Sender] Invalid business hours config: %v", err)
	}

	if *status {
		printStatus(ctx, st, hours, cfg.Sending.DailyLimit)
		return
	}

	if *enrollSeq > 0 {
		if *enrollLead <= 0 {
			log.Fatal("[Sender] -enroll requires -lead")
		}
		if err := st.Enroll(ctx, *enrollSeq, *enrollLead); err != nil {
			if errors.Is(err, store.ErrAlreadyEnrolled) {
				log.Printf("[Sender] Lead %d is already enrolled in sequence %d", *enrollLead, *enrollSeq)
				return
			}
			log.Fatalf("[Sender] Failed to enroll lead %d in sequence %d: %v", *enrollLead, *enrollSeq, err)
		}
		log.Printf("[Sender] Enrolled lead %d in sequence %d, first email due now", *enrollLead, *enrollSeq)
		return
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("[Sender] Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("[Sender] Redis unavailable, falling back to advisory lock: %v", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			log.Println("[Sender] Redis connection established")
		}
	}

	filter := eligibility.New(st, st, hours, cfg.Sending.DailyLimit, cfg.Sending.Lookback())
	renderer := template.NewRenderer(cfg.Sending.UnsubscribeBaseURL)
	fromAddress := mail.Recipient(cfg.Resend.FromName, cfg.Resend.FromEmail)
	sender := mail.NewResendSender(cfg.Resend.APIKey, fromAddress)
	resolver := sequence.NewResolver(st)

	var source store.RecipientSource = st
	if cfg.ContactFile != "" {
		log.Printf("[Sender] Using contact file %s as the recipient source", cfg.ContactFile)
		source = &store.CSVSource{Path: cfg.ContactFile}
	}

	campaigns := worker.NewCampaignRunner(
		st, source, filter, renderer, sender,
		cfg.Sending.BatchSize, cfg.Sending.Cooldown(), cfg.Sending.Stagger(),
		fromAddress, cfg.Sending.Lookback(),
	)
	sequences := worker.NewSequenceRunner(
		st, filter, resolver, renderer, sender,
		cfg.Sending.BatchSize, cfg.Sending.Cooldown(), cfg.Sending.Stagger(),
		fromAddress,
	)

	lock := distlock.New(redisClient, st.DB(), "send-pass", passLockTTL)
	pass := worker.NewPass(lock, campaigns, sequences)

	if *once {
		if err := pass.Run(ctx); err != nil {
			log.Fatalf("[Sender] Pass failed: %v", err)
		}
		return
	}

	if cfg.Server.StatusAddr != "" {
		statusAPI := api.NewServer(st, hours, cfg.Sending.DailyLimit)
		go func() {
			log.Printf("[Sender] Status API listening on %s", cfg.Server.StatusAddr)
			if err := http.ListenAndServe(cfg.Server.StatusAddr, statusAPI.Routes()); err != nil {
				log.Printf("[Sender] Status API stopped: %v", err)
			}
		}()
	}

	loop := scheduler.NewLoop(hours, cfg.Sending.PassInterval(), pass.Run)
	loop.Start()
	log.Printf("[Sender] Scheduler started: every %s between %02d:00 and %02d:00 %s",
		cfg.Sending.PassInterval(), cfg.Hours.StartHour, cfg.Hours.EndHour, cfg.Hours.Timezone)

	<-ctx.Done()
	log.Println("[Sender] Shutdown signal received, draining in-flight pass...")
	loop.Stop()
	log.Println("[Sender] Stopped")
}

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Fatalf("[Sender] Unknown timezone %q: %v", name, err)
	}
	return loc
}

func printStatus(ctx context.Context, st *store.Store, hours scheduler.Hours, dailyLimit int) {
	now := time.Now()
	sent, err := st.SentCountSince(ctx, hours.StartOfDay(now))
	if err != nil {
		log.Fatalf("[Sender] Failed to load today's send count: %v", err)
	}
	fmt.Printf("Sent today:      %d / %d\n", sent, dailyLimit)
	fmt.Printf("Within hours:    %t (next window %s)\n", hours.Contains(now), hours.NextOpen(now).Format(time.RFC1123))

	stats, err := st.Stats(ctx)
	if err != nil {
		log.Fatalf("[Sender] Failed to load sequence stats: %v", err)
	}
	fmt.Printf("Active subscribers:  %d\n", stats.ActiveSubscribers)
	fmt.Printf("Completed sequences: %d\n", stats.CompletedSequences)
	fmt.Printf("Pending emails:      %d\n", stats.PendingEmails)
}
