package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/console"
	"github.com/stemsi/exstem-client/internal/dispatch"
	"github.com/stemsi/exstem-client/internal/lifecycle"
	"github.com/stemsi/exstem-client/internal/logger"
	"github.com/stemsi/exstem-client/internal/store"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	// Stdout belongs to the console; logs go to stderr.
	log := logger.SetupWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	con := console.New(filepath.Join(cfg.StateDir, "history"))

	if err := run(ctx, cfg, con, log); err != nil {
		con.Close()
		fmt.Fprint(os.Stderr, console.RenderError(err))
		os.Exit(1)
	}
	con.Close()
}

func run(ctx context.Context, cfg *config.Config, con *console.Console, log zerolog.Logger) error {
	// ─── Authenticate ──────────────────────────────────────────────────
	token, err := resolveToken(ctx, cfg, con, log)
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.APIBaseURL, token, cfg.RequestTimeout, log)

	// ─── Choose Subject ────────────────────────────────────────────────
	subjectID, err := chooseSubject(ctx, cfg, client, con)
	if err != nil {
		return err
	}

	// ─── Open Stores ───────────────────────────────────────────────────
	durable, closeDurable, err := openDurable(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDurable()
	volatile := store.NewMemory()

	// ─── Teardown Transport ────────────────────────────────────────────
	beacon := dispatch.NewBeacon(cfg.APIBaseURL, cfg.DispatchTimeout, log)
	transport, closeTransport := buildTransport(ctx, cfg, token, beacon, log)
	defer closeTransport()

	a := &app{
		cfg:       cfg,
		log:       log,
		con:       con,
		client:    client,
		hub:       lifecycle.NewHub(),
		beacon:    beacon,
		transport: transport,
		volatile:  volatile,
		durable:   durable,
		subjectID: subjectID,
		token:     token,
	}

	// ─── Handle Termination ────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)
	go func() {
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Terminating")
		a.pageTeardown()
		closeTransport()
		closeDurable()
		con.Close()
		os.Exit(0)
	}()

	return a.run(ctx)
}

// resolveToken returns AUTH_TOKEN, a token issued for DEV_STUDENT_ID, or one
// typed in at the terminal, in that order.
func resolveToken(ctx context.Context, cfg *config.Config, con *console.Console, log zerolog.Logger) (string, error) {
	if cfg.AuthToken != "" {
		return cfg.AuthToken, nil
	}

	if cfg.DevStudentID > 0 {
		token, err := api.NewClient(cfg.APIBaseURL, "", cfg.RequestTimeout, log).IssueToken(ctx, cfg.DevStudentID)
		if err != nil {
			return "", fmt.Errorf("issue development token: %w", err)
		}
		log.Info().Int("student_id", cfg.DevStudentID).Msg("Issued development token")
		return token, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no token: set AUTH_TOKEN or DEV_STUDENT_ID")
	}

	input, err := con.ReadSecret("Token: ")
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(input)
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}

// chooseSubject returns SUBJECT_ID, or lists the subjects and asks for one.
func chooseSubject(ctx context.Context, cfg *config.Config, client *api.Client, con *console.Console) (string, error) {
	if cfg.SubjectID != "" {
		return cfg.SubjectID, nil
	}

	subjects, err := client.ListSubjects(ctx)
	if err != nil {
		return "", fmt.Errorf("list subjects: %w", err)
	}
	if len(subjects) == 0 {
		return "", errors.New("no subjects available")
	}

	for i, s := range subjects {
		fmt.Printf("  %d. %s %s\n", i+1, s.Name, console.RenderInfo(fmt.Sprintf("(%s, %d questions)", s.ID, s.QuestionCount)))
	}
	for {
		input, err := con.ReadLine("Subject number: ")
		if err != nil {
			return "", fmt.Errorf("read subject: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(input))
		if err == nil && n >= 1 && n <= len(subjects) {
			return subjects[n-1].ID, nil
		}
		fmt.Print(console.RenderWarning("Pick a number from the list."))
	}
}

// openDurable opens the configured durable tier. The returned func releases it.
func openDurable(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	switch cfg.DurableBackend {
	case config.DurableBackendFile:
		s, err := store.NewFile(filepath.Join(cfg.StateDir, "durable"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil

	case config.DurableBackendSQLite:
		s, err := store.NewSQLite(filepath.Join(cfg.StateDir, "durable.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case config.DurableBackendRedis:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
		rdb, err := store.NewRedisClient(connectCtx, cfg.RedisURL, log)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedis(rdb, "exstem:client:"), func() { rdb.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown durable backend %q", cfg.DurableBackend)
}

// buildTransport returns the teardown-safe transport for DISPATCH_MODE. A
// stream that cannot be opened degrades to the beacon.
func buildTransport(ctx context.Context, cfg *config.Config, token string, beacon *dispatch.Beacon, log zerolog.Logger) (dispatch.TeardownSafeTransport, func()) {
	switch cfg.DispatchMode {
	case config.DispatchModeNone:
		return dispatch.Nop{}, func() {}

	case config.DispatchModeStream:
		dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
		stream, err := dispatch.DialStream(dialCtx, cfg.WSURL, token, beacon, log)
		if err != nil {
			log.Warn().Err(err).Msg("Stream unavailable, using beacon")
			return beacon, func() {}
		}
		return stream, func() { stream.Close() }
	}
	return beacon, func() {}
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
