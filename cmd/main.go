package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syncal/internal/config"
	"syncal/internal/google"
	"syncal/internal/icloud"
	"syncal/internal/models"
	"syncal/internal/reminder"
	"syncal/internal/storage"
	"syncal/internal/syncer"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

func main() {
	app := &cli.App{
		Name:  "syncal",
		Usage: "Keep a Google Calendar and an iCloud Calendar in step, with event reminders.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-dir", Value: ".", Usage: "Directory holding the .env file."},
		},
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			scheduleCommand(),
			listCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("env-dir"))
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Log.Level)
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Printf("Enter a name for this account (default %q): ", cfg.Google.Account)
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				accountName = cfg.Google.Account
			}
			tokenFile := "token-" + accountName + ".json"

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Reconcile both calendars so every event exists on each.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds. Overrides --once."},
			&cli.IntFlag{Name: "days", Usage: "Days ahead to reconcile. Defaults to SYNC_DAYS."},
		},
		Action: func(c *cli.Context) error {
			a, err := newAgent(c, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			defer a.close()

			days := a.cfg.Sync.Days
			if c.IsSet("days") {
				days = c.Int("days")
			}
			if a.cfg.Sync.DryRun || c.Bool("dry-run") {
				a.logger.Info("Performing a dry run. No changes will be made.")
			}

			// --watch flag takes precedence
			if !c.IsSet("watch") {
				a.logger.Info("Running a single sync cycle.")
				return a.syncOnce(c.Context, days)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			interval := time.Duration(c.Int("watch")) * time.Second
			watcher := cron.New(cron.WithLogger(reminder.NewCronLogger(a.logger)), cron.WithChain(cron.SkipIfStillRunning(reminder.NewCronLogger(a.logger))))
			if _, err := watcher.AddFunc(fmt.Sprintf("@every %s", interval), func() {
				if err := a.syncOnce(ctx, days); err != nil {
					a.logger.Error("Sync cycle failed", "error", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid watch interval %s: %w", interval, err)
			}

			a.logger.Info("Starting watcher.", "interval", interval)
			if err := a.syncOnce(ctx, days); err != nil {
				a.logger.Error("Sync cycle failed", "error", err)
			}
			watcher.Start()
			<-ctx.Done()
			<-watcher.Stop().Done()
			a.logger.Info("Watcher stopped.")
			return nil
		},
	}
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Create an event on one calendar, optionally with a reminder.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Value: string(models.ProviderGoogle), Usage: "Calendar to book on: google or icloud."},
			&cli.StringFlag{Name: "title", Required: true},
			&cli.StringFlag{Name: "description"},
			&cli.StringFlag{Name: "start", Required: true, Usage: "Start as 2006-01-02T15:04 in PRIMARY_TIMEZONE, or RFC3339."},
			&cli.DurationFlag{Name: "duration", Value: time.Hour},
			&cli.StringSliceFlag{Name: "attendee"},
			&cli.IntFlag{Name: "remind", Usage: "Reminder lead in minutes before the start."},
		},
		Action: func(c *cli.Context) error {
			a, err := newAgent(c, false)
			if err != nil {
				return err
			}
			defer a.close()

			loc := a.cfg.Location()
			start, err := parseStart(c.String("start"), loc)
			if err != nil {
				return err
			}
			end := start.Add(c.Duration("duration"))

			title := c.String("title")
			pe := models.ProviderEvent{
				Summary:     &title,
				Description: c.String("description"),
				Start:       &models.EventTime{DateTime: start.Format("2006-01-02T15:04:05"), TimeZone: loc.String()},
				End:         &models.EventTime{DateTime: end.Format("2006-01-02T15:04:05"), TimeZone: loc.String()},
				Attendees:   c.StringSlice("attendee"),
			}
			if c.IsSet("remind") {
				pe.Reminder = &models.ReminderRequest{LeadMinutes: c.Int("remind")}
			}

			ev, err := a.syncer.ScheduleEvent(c.Context, a.cfg.Sync.UserID, models.Provider(c.String("provider")), pe)
			if errors.Is(err, reminder.ErrInvalidLeadTime) {
				a.logger.Warn("Event created without reminder", "error", err)
			} else if err != nil {
				return fmt.Errorf("failed to schedule event: %w", err)
			}
			a.logger.Info("Event created.", "provider", ev.Provider, "id", ev.ExternalID, "start", ev.StartTime.In(loc))

			if pe.Reminder != nil && err == nil {
				// Mirror right away so the lead is stored with the mapping.
				return a.syncOnce(c.Context, a.cfg.Sync.Days)
			}
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Show the normalized upcoming events of one calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Value: string(models.ProviderGoogle)},
			&cli.IntFlag{Name: "days", Usage: "Days ahead. Defaults to SYNC_DAYS."},
		},
		Action: func(c *cli.Context) error {
			a, err := newAgent(c, true)
			if err != nil {
				return err
			}
			defer a.close()

			days := a.cfg.Sync.Days
			if c.IsSet("days") {
				days = c.Int("days")
			}
			events, err := a.syncer.ListEvents(c.Context, a.cfg.Sync.UserID, models.Provider(c.String("provider")), models.NextDays(time.Now(), days))
			if err != nil {
				return err
			}
			loc := a.cfg.Location()
			for _, ev := range events {
				when := ev.StartTime.In(loc).Format("Mon 02 Jan 15:04")
				if ev.AllDay {
					when = ev.StartTime.Format("Mon 02 Jan") + " (all day)"
				}
				fmt.Printf("%-24s %-40s %s\n", when, ev.Summary, ev.ExternalID)
			}
			return nil
		},
	}
}

// agent bundles the wired components a command needs.
type agent struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *storage.DB
	timer  *reminder.CronTimer
	syncer *syncer.Syncer
}

func newAgent(c *cli.Context, dryRun bool) (*agent, error) {
	cfg, err := config.Load(c.String("env-dir"))
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Log.Level)

	gClient, err := google.NewClient(c.Context, logger, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.Account, cfg.Google.CalendarID)
	if err != nil {
		accounts, _ := google.GetTokenAccounts(".")
		return nil, fmt.Errorf("failed to create google client for account %s (saved accounts: %v), did you run auth command? %w", cfg.Google.Account, accounts, err)
	}

	iClient, err := icloud.NewClient(c.Context, logger, cfg.ICloud.Endpoint, cfg.ICloud.Username, cfg.ICloud.AppSpecificPassword, cfg.ICloud.CalendarName)
	if err != nil {
		return nil, fmt.Errorf("failed to create icloud client: %w", err)
	}

	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	version, err := storage.SchemaVersion(c.Context, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	logger.Debug("Mapping store ready", "path", db.Path(), "schemaVersion", version)

	timer := reminder.NewCronTimer(logger)
	timer.Start()
	reminders := reminder.NewScheduler(logger, timer, reminder.Options{
		Grace: cfg.Reminder.Grace,
		OnFire: func(r models.Reminder) {
			logger.Info("Reminder due", "userID", r.UserID, "event", r.EventRef.String(), "leadMinutes", r.LeadMinutes)
		},
	})

	s := syncer.NewSyncer(logger, gClient, iClient, storage.NewMappingRepository(db), reminders, syncer.Options{
		Workers:            cfg.Sync.Workers,
		RetryMaxElapsed:    cfg.Sync.RetryMaxElapsed,
		DefaultLeadMinutes: cfg.Reminder.DefaultLead,
		DryRun:             dryRun || cfg.Sync.DryRun,
	})

	return &agent{cfg: cfg, logger: logger, db: db, timer: timer, syncer: s}, nil
}

func (a *agent) close() {
	<-a.timer.Stop().Done()
	if err := a.db.Close(); err != nil {
		a.logger.Error("Failed to close database", "error", err)
	}
}

func (a *agent) syncOnce(ctx context.Context, days int) error {
	report, err := a.syncer.SyncProviders(ctx, a.cfg.Sync.UserID, models.NextDays(time.Now(), days))
	if err != nil {
		return fmt.Errorf("sync cycle failed: %w", err)
	}
	for _, w := range report.Warnings {
		a.logger.Warn("Sync warning", "detail", w)
	}
	for _, e := range report.Errors {
		a.logger.Error("Sync error", "error", e)
	}
	a.logger.Info("Sync report",
		"created", report.Count(models.OutcomeCreated),
		"linked", report.Count(models.OutcomeLinked),
		"deleted", report.Count(models.OutcomeDeleted),
		"conflicts", report.Count(models.OutcomeConflict),
		"skipped", report.Count(models.OutcomeSkipped),
		"failed", report.Count(models.OutcomeFailed),
		"aborted", report.Count(models.OutcomeAborted),
		"remindersScheduled", report.RemindersScheduled,
		"remindersRescheduled", report.RemindersRescheduled,
		"remindersCancelled", report.RemindersCancelled,
		"took", report.FinishedAt.Sub(report.StartedAt))
	return nil
}

func parseStart(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start '%s': use 2006-01-02T15:04 or RFC3339", s)
	}
	return t, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
