package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/NakedTrashPanda/autoshift/internal/config"
	apperrors "github.com/NakedTrashPanda/autoshift/internal/errors"
	"github.com/NakedTrashPanda/autoshift/internal/metrics"
	"github.com/NakedTrashPanda/autoshift/keys"
	"github.com/NakedTrashPanda/autoshift/ledger"
	"github.com/NakedTrashPanda/autoshift/scheduler"
	"github.com/NakedTrashPanda/autoshift/session"
	"github.com/NakedTrashPanda/autoshift/shift"
	"github.com/NakedTrashPanda/autoshift/source"
)

type cliFlags struct {
	user     string
	pass     string
	query    bool
	list     bool
	redeem   string
	platform string
	schedule bool
	limit    int
	verbose  bool
	logout   bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "autoshift: %v\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	flags := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cfg, flags)

	log := newLogger(cfg.Verbose)
	displayBanner()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	return dispatch(ctx, cfg, flags, log)
}

func parseFlags() cliFlags {
	var flags cliFlags
	flag.StringVar(&flags.user, "user", "", "SHiFT account email (overrides config)")
	flag.StringVar(&flags.pass, "pass", "", "SHiFT account password (overrides config)")
	flag.BoolVar(&flags.query, "query", false, "discover codes and print them without redeeming")
	flag.BoolVar(&flags.list, "list", false, "print the ledger of recorded attempts")
	flag.StringVar(&flags.redeem, "redeem", "", "redeem a single code manually")
	flag.StringVar(&flags.platform, "platform", string(keys.PlatformSteam), "platform for --redeem")
	flag.BoolVar(&flags.schedule, "schedule", false, "run periodically at the configured interval")
	flag.IntVar(&flags.limit, "limit", 0, "cap keys redeemed per cycle (overrides config)")
	flag.BoolVar(&flags.verbose, "verbose", false, "debug logging")
	flag.BoolVar(&flags.logout, "logout", false, "clear the cached session and exit")
	flag.Parse()
	return flags
}

func applyFlags(cfg *config.Config, flags cliFlags) {
	if flags.user != "" {
		cfg.User = flags.user
	}
	if flags.pass != "" {
		cfg.Password = flags.pass
	}
	if flags.limit > 0 {
		cfg.Limit = flags.limit
	}
	if flags.verbose {
		cfg.Verbose = true
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func dispatch(ctx context.Context, cfg *config.Config, flags cliFlags, log zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sessions, err := session.NewManager(session.Config{
		User:     cfg.User,
		Password: cfg.Password,
		BaseURL:  cfg.ShiftURL,
		DataDir:  cfg.DataDir,
		Timeout:  cfg.RequestTimeout(),
	}, session.WithLogger(log))
	if err != nil {
		return err
	}

	if flags.logout {
		return sessions.Logout()
	}

	// The engine must not run without the de-duplication guarantee;
	// an unreachable ledger is fatal.
	store, err := ledger.NewPostgresStore(ctx, cfg.DBSource)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	engine, err := scheduler.NewEngine(scheduler.Deps{
		Source:   source.New(cfg.CodeFeedURL, source.WithLogger(log)),
		Store:    store,
		Client:   shift.NewClient(cfg.ShiftURL, shift.WithLogger(log)),
		Sessions: sessions,
	}, scheduler.Config{
		Filter:      source.Filter{Games: cfg.Games, Platforms: cfg.Platforms},
		Delay:       cfg.Delay(),
		BackoffBase: cfg.BackoffBase(),
		BackoffCap:  cfg.BackoffCap(),
		MaxRetries:  cfg.MaxRetries,
	}, scheduler.WithLogger(log))
	if err != nil {
		return err
	}

	switch {
	case flags.query:
		return queryCodes(ctx, engine, cfg)
	case flags.list:
		return listLedger(ctx, engine)
	case flags.redeem != "":
		return redeemOne(ctx, engine, flags)
	case flags.schedule:
		log.Info().Dur("interval", cfg.Interval()).Int("limit", cfg.Limit).Msg("starting periodic redemption")
		err := engine.RunPeriodic(ctx, cfg.Interval(), cfg.Limit)
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("stopped")
			return nil
		}
		return err
	default:
		summary, err := engine.RunOnce(ctx, cfg.Limit)
		if err != nil {
			return err
		}
		fmt.Println(summary.String())
		return nil
	}
}

func queryCodes(ctx context.Context, engine *scheduler.Engine, cfg *config.Config) error {
	found, err := engine.DiscoverCodes(ctx, source.Filter{Games: cfg.Games, Platforms: cfg.Platforms})
	if err != nil {
		return err
	}
	for _, k := range found {
		fmt.Printf("%-29s  %-8s  %s\n", k.Code, k.Platform, k.Game)
	}
	fmt.Printf("%d code(s) found\n", len(found))
	return nil
}

func listLedger(ctx context.Context, engine *scheduler.Engine) error {
	entries, err := engine.Ledger(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %-29s  %-8s  %-16s  %s\n",
			e.AttemptedAt.Format(time.RFC3339), e.Code, e.Platform, e.Outcome, e.Message)
	}
	return nil
}

func redeemOne(ctx context.Context, engine *scheduler.Engine, flags cliFlags) error {
	platform, err := keys.ParsePlatform(flags.platform)
	if err != nil {
		return err
	}
	status, err := engine.RedeemOne(ctx, flags.redeem, platform)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrInvalidCredentials) {
			return fmt.Errorf("login failed: %w", err)
		}
		return err
	}
	fmt.Println(status.String())
	return nil
}

func displayBanner() {
	myFigure := figure.NewFigure("AutoSHiFt", "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
