package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ticketsync/config"
	"ticketsync/internal/adapters/crm"
	"ticketsync/internal/adapters/intercom"
	"ticketsync/internal/adapters/sheets"
	"ticketsync/internal/db"
	"ticketsync/internal/handlers"
	"ticketsync/internal/models"
	"ticketsync/internal/services"
	"ticketsync/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

type server struct {
	cfg        *config.Config
	router     *mux.Router
	webhook    *handlers.IntercomHandler
	deliveries *DeliveryManager
	counter    *services.TicketCounter
	startedAt  time.Time
}

func main() {
	logger.InitLogger() // Configures the global log.Logger

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.LogLevel != "" || cfg.LogFormat != "" {
		logger.Configure(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, cleanup, err := newServer(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer cleanup()

	port := cfg.Port
	if port == "" {
		port = "8080" // Default port
		log.Info().Str("port", port).Msg("Defaulting to port")
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.ProcessingTimeout + 10*time.Second,
	}

	go func() {
		log.Info().Str("port", port).Msgf("Server starting on port %s...", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown did not complete cleanly")
	}
}

// newServer wires every component from cfg. Missing required configuration
// does not stop the process: the webhook reports it on each request instead.
func newServer(ctx context.Context, cfg *config.Config) (*server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// Event delivery
	var channels []DeliveryChannel
	rabbit, err := InitRabbitMQ(ctx, cfg.RabbitMQURL, cfg.RabbitMQExchange)
	if err != nil {
		log.Error().Err(err).Msg("RabbitMQ unavailable, lifecycle events will not be published")
	} else if rabbit != nil {
		channels = append(channels, rabbitChannel(rabbit))
		closers = append(closers, func() { rabbit.Close() })
	}
	archive, err := NewS3Archive(S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		log.Error().Err(err).Msg("S3 archive unavailable, lifecycle events will not be archived")
	} else if archive != nil {
		channels = append(channels, s3Channel(archive))
	}
	deliveries := NewDeliveryManager(channels...)
	deliveries.Start()
	closers = append(closers, deliveries.Close)

	s := &server{
		cfg:        cfg,
		router:     mux.NewRouter(),
		deliveries: deliveries,
		startedAt:  time.Now(),
	}

	var tickets handlers.TicketCreator
	var assignments handlers.AssignmentSyncer
	if missing := cfg.Missing(); len(missing) > 0 {
		log.Error().Strs("missing", missing).Msg("Required configuration is missing; webhook deliveries will be rejected with 500 until it is set")
		u := unconfigured{missing: missing}
		tickets, assignments = u, u
		// The status endpoint still needs a counter to report on.
		s.counter, _ = services.NewTicketCounter(u)
	} else {
		wired, closeAll, err := wireServices(ctx, cfg, deliveries)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, closeAll)
		tickets, assignments, s.counter = wired.tickets, wired.assignments, wired.counter
	}

	s.webhook = handlers.NewIntercomHandler(tickets, assignments, handlers.IntercomHandlerOptions{
		WebhookSecret:     cfg.IntercomWebhookSecret,
		Missing:           cfg.Missing,
		Secrets:           cfg.Secrets,
		DedupWindow:       cfg.DedupWindow,
		ProcessingTimeout: cfg.ProcessingTimeout,
	})
	s.routes()
	return s, cleanup, nil
}

type wiredServices struct {
	tickets     *services.TicketMaterializer
	assignments *services.AssignmentSynchronizer
	counter     *services.TicketCounter
}

func wireServices(ctx context.Context, cfg *config.Config, events services.EventSink) (*wiredServices, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*wiredServices, func(), error) {
		closeAll()
		return nil, nil, err
	}

	log.Info().Str("database_url", cfg.DatabaseURL).Msg("Initializing ledger database...")
	gdb, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		closers = append(closers, func() { sqlDB.Close() })
	}
	if err := db.Migrate(gdb, &models.TicketLedgerEntry{}); err != nil {
		return fail(err)
	}

	icClient, err := intercom.NewClient(cfg.IntercomBaseURL, cfg.IntercomAccessToken)
	if err != nil {
		return fail(err)
	}
	crmClient, err := crm.NewClient(cfg.GHLBaseURL, cfg.GHLAccessToken, cfg.GHLLocationID, cfg.GHLRateLimit)
	if err != nil {
		return fail(err)
	}
	tokens, err := sheetsTokenSource(cfg)
	if err != nil {
		return fail(err)
	}
	sheetsClient, err := sheets.NewClient(cfg.SheetsBaseURL, cfg.SheetsID, tokens)
	if err != nil {
		return fail(err)
	}

	var backend services.CounterBackend
	switch cfg.CounterBackend {
	case "sql":
		store, err := db.OpenSequenceStore(cfg.SequenceDriver, cfg.SequenceDSN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { store.Close() })
		seedSequenceFromSheet(ctx, store, sheetsClient, cfg.CounterRange)
		if backend, err = services.NewSequenceBackend(store, services.TicketSequenceName); err != nil {
			return fail(err)
		}
	default:
		if backend, err = services.NewSheetCounterBackend(sheetsClient, cfg.CounterRange); err != nil {
			return fail(err)
		}
	}
	counter, err := services.NewTicketCounter(backend,
		services.WithFallback(cfg.CounterFallbackEnabled),
		services.WithCounterEvents(events),
	)
	if err != nil {
		return fail(err)
	}

	identity, err := services.NewIdentityResolver(icClient)
	if err != nil {
		return fail(err)
	}
	ledger, err := services.NewLedger(gdb, cfg.ClaimLease)
	if err != nil {
		return fail(err)
	}
	contacts, err := services.NewContactResolver(crmClient, cfg.GHLLocationID)
	if err != nil {
		return fail(err)
	}
	audit, err := services.NewAuditLog(sheetsClient, cfg.AuditRange)
	if err != nil {
		return fail(err)
	}
	assignees := services.NewAssigneeMapper(services.DefaultAdminNames)

	tickets, err := services.NewTicketMaterializer(services.MaterializerDeps{
		Intercom:      icClient,
		Identity:      identity,
		Ledger:        ledger,
		Counter:       counter,
		Assignees:     assignees,
		Contacts:      contacts,
		Opportunities: crmClient,
		Audit:         audit,
		Events:        events,
		Schema:        services.DefaultTicketSchema,
		LocationID:    cfg.GHLLocationID,
	})
	if err != nil {
		return fail(err)
	}
	log.Info().Msg("TicketMaterializer initialized successfully")

	assignments, err := services.NewAssignmentSynchronizer(icClient, crmClient, assignees, services.DefaultTicketSchema, events)
	if err != nil {
		return fail(err)
	}
	log.Info().Msg("AssignmentSynchronizer initialized successfully")

	return &wiredServices{tickets: tickets, assignments: assignments, counter: counter}, closeAll, nil
}

func sheetsTokenSource(cfg *config.Config) (sheets.TokenSource, error) {
	switch {
	case cfg.GoogleServiceAccountJSON != "":
		return sheets.NewServiceAccountTokenSource([]byte(cfg.GoogleServiceAccountJSON))
	case cfg.GoogleServiceAccountFile != "":
		return sheets.NewServiceAccountTokenSourceFromFile(cfg.GoogleServiceAccountFile)
	default:
		return sheets.StaticToken(cfg.SheetsAccessToken), nil
	}
}

// seedSequenceFromSheet raises the SQL sequence to the spreadsheet counter so
// switching backends never reissues a number.
func seedSequenceFromSheet(ctx context.Context, store *db.SequenceStore, sheetsClient *sheets.Client, cellRange string) {
	values, err := sheetsClient.GetValues(ctx, cellRange)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read spreadsheet counter to seed sequence")
		return
	}
	if len(values) == 0 || len(values[0]) == 0 {
		return
	}
	var current int64
	if _, err := fmt.Sscan(strings.TrimSpace(fmt.Sprint(values[0][0])), &current); err != nil || current <= 0 {
		return
	}
	if err := store.Seed(ctx, services.TicketSequenceName, current); err != nil {
		log.Warn().Err(err).Msg("Could not seed ticket sequence")
	}
}

func (s *server) routes() {
	chain := middleware()

	s.router.Handle(s.cfg.WebhookPath, chain.Then(s.webhook))
	if s.cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN is not set, admin and re-drive routes will reject every request")
	}
	protected := chain.Append(requireAdminToken(s.cfg.AdminToken))
	s.router.Handle("/intercom/conversations/{id}/ticket", protected.ThenFunc(s.webhook.Redrive)).Methods(http.MethodPost)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Handle("/status", protected.Then(s.ServiceStatus())).Methods(http.MethodGet)
	admin.Handle("/deliveries", protected.Then(s.DeliveryStatus())).Methods(http.MethodGet)
	admin.Handle("/deliveries/retry", protected.Then(s.ForceRetry())).Methods(http.MethodPost)
	admin.Handle("/deliveries/{eventId}", protected.Then(s.EventStatus())).Methods(http.MethodGet)
	admin.Handle("/deliveries/{eventId}/retry", protected.Then(s.ForceRetry())).Methods(http.MethodPost)

	s.router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, "Intercom ticket sync is running")
	})
	log.Info().Str("path", s.cfg.WebhookPath).Msg("Registered Intercom webhook handler")
}

// unconfigured stands in for the services while required configuration is
// missing. The webhook handler rejects requests before reaching it.
type unconfigured struct{ missing []string }

func (u unconfigured) err() error {
	return fmt.Errorf("%w: %s", config.ErrConfigMissing, strings.Join(u.missing, ", "))
}

func (u unconfigured) CreateTicketFromConversation(context.Context, string) (services.Outcome, error) {
	return "", u.err()
}

func (u unconfigured) SyncAssignment(context.Context, string) (services.Outcome, error) {
	return "", u.err()
}

func (u unconfigured) Increment(context.Context) (int64, error) {
	return 0, u.err()
}
