package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/deepubuntu/cowcow/internal/audio"
	"github.com/deepubuntu/cowcow/internal/auth"
	"github.com/deepubuntu/cowcow/internal/capture"
	"github.com/deepubuntu/cowcow/internal/config"
	"github.com/deepubuntu/cowcow/internal/ledger"
	"github.com/deepubuntu/cowcow/internal/quality"
	"github.com/deepubuntu/cowcow/internal/recorder"
	"github.com/deepubuntu/cowcow/internal/upload"
	"github.com/deepubuntu/cowcow/internal/vad"
)

const healthTimeout = 5 * time.Second

func (a *app) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "record":
		return a.cmdRecord(ctx, args)
	case "upload":
		return a.cmdUpload(ctx, args)
	case "stats":
		return a.cmdStats(ctx, args)
	case "doctor":
		return a.cmdDoctor(ctx, args)
	case "analyze":
		return a.cmdAnalyze(args)
	case "auth":
		return a.cmdAuth(ctx, args)
	case "config":
		return a.cmdConfig(args)
	case "help", "-h", "--help":
		usage(a.stdout)
		return nil
	default:
		fmt.Fprintf(a.stderr, "Unknown command %q\n\n", name)
		usage(a.stderr)
		return errUsage
	}
}

func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(serviceName+" "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	return nil
}

func (a *app) policy() quality.Policy {
	return quality.Policy{
		MinSNRDB:       a.cfg.Audio.MinSNRDB,
		MaxClippingPct: a.cfg.Audio.MaxClippingPct,
		MinVADRatio:    a.cfg.Audio.MinVADRatio,
	}
}

func (a *app) openLedger() (*ledger.Store, error) {
	if err := os.MkdirAll(a.paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return ledger.Open(a.paths.Database)
}

func (a *app) authClient() (*auth.Client, error) {
	return auth.NewClient(auth.Config{
		Endpoint:        a.cfg.API.Endpoint,
		Timeout:         a.cfg.API.GetTimeoutDuration(),
		CredentialsPath: a.paths.Credentials,
	}, a.logger, a.metrics)
}

func (a *app) captureHost() *capture.FFmpegHost {
	return capture.NewFFmpegHost(a.cfg.Audio.FFmpegCommand, a.cfg.Audio.InputFormat, a.cfg.Audio.InputDevice)
}

func (a *app) cmdRecord(ctx context.Context, args []string) error {
	fs := a.newFlagSet("record")
	lang := fs.String("lang", "", "Language code of the recording (required)")
	duration := fs.Float64("duration", 0, "Target length in seconds (0 records until silence)")
	prompt := fs.String("prompt", "", "Prompt to read aloud")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *lang == "" {
		fmt.Fprintln(a.stderr, "record: -lang is required")
		fs.PrintDefaults()
		return errUsage
	}

	store, err := a.openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := recorder.New(recorder.Config{
		SampleRate:     a.cfg.Audio.SampleRate,
		Channels:       a.cfg.Audio.Channels,
		QueueCapacity:  a.cfg.Audio.QueueCapacity,
		SilenceTimeout: a.cfg.Audio.GetSilenceTimeoutDuration(),
		PollInterval:   a.cfg.Audio.GetPollIntervalDuration(),
		RecordingsDir:  a.paths.Recordings,
	}, a.captureHost(), store, a.logger, a.metrics)
	if err != nil {
		return err
	}
	rec.OnProgress(func(p capture.Progress) {
		a.logger.Debug("Chunk processed",
			slog.Int("chunk", p.Chunk),
			slog.Duration("processed", p.Processed),
			slog.Bool("voice", p.Voice),
			slog.Float64("vad_ratio", p.Metrics.VADRatio))
	})

	if *prompt != "" {
		fmt.Fprintf(a.stdout, "Prompt: %s\n\n", *prompt)
	}
	fmt.Fprintln(a.stdout, "Recording... press Ctrl+C to stop.")

	outcome, err := rec.Record(ctx, recorder.Request{
		Lang:     *lang,
		Prompt:   *prompt,
		Duration: time.Duration(*duration * float64(time.Second)),
	})
	if err != nil {
		return err
	}

	m := outcome.Recording.Metrics
	fmt.Fprintf(a.stdout, "Saved recording %s\n", outcome.Recording.ID)
	fmt.Fprintf(a.stdout, "  file:     %s\n", outcome.Recording.WAVPath)
	fmt.Fprintf(a.stdout, "  duration: %.1fs (stopped by %s)\n", outcome.Result.Duration.Seconds(), outcome.Result.State)
	fmt.Fprintf(a.stdout, "  quality:  snr %.1f dB, clipping %.2f%%, vad %.1f%%\n", m.SNRDB, m.ClippingPct, m.VADRatio)
	if outcome.Result.Dropped > 0 {
		fmt.Fprintf(a.stdout, "  warning:  %d chunks dropped\n", outcome.Result.Dropped)
	}
	if ok, reason := a.policy().Check(m); !ok {
		fmt.Fprintf(a.stdout, "  warning:  below quality gate (%s); use upload -force to send anyway\n", reason)
	}

	if !a.cfg.Storage.AutoUpload {
		return nil
	}
	if ctx.Err() != nil {
		fmt.Fprintln(a.stdout, "Skipping auto-upload after interrupt.")
		return nil
	}
	return a.upload(ctx, store, false)
}

func (a *app) cmdUpload(ctx context.Context, args []string) error {
	fs := a.newFlagSet("upload")
	force := fs.Bool("force", false, "Upload recordings that fail the quality gate")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	store, err := a.openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	return a.upload(ctx, store, *force)
}

func (a *app) upload(ctx context.Context, store *ledger.Store, force bool) error {
	authClient, err := a.authClient()
	if err != nil {
		return err
	}
	creds, err := authClient.Check()
	if err != nil {
		return err
	}

	client, err := upload.NewClient(upload.Config{
		Endpoint: a.cfg.API.Endpoint,
		Timeout:  a.cfg.API.GetTimeoutDuration(),
	}, a.logger, a.metrics)
	if err != nil {
		return err
	}

	mgr, err := upload.NewManager(store, client, creds, upload.Options{
		MaxRetries: a.cfg.Upload.MaxRetries,
		RetryDelay: a.cfg.Upload.GetRetryDelayDuration(),
		Policy:     a.policy(),
	}, a.logger, a.metrics)
	if err != nil {
		return err
	}

	summary, err := mgr.Run(ctx, force)
	fmt.Fprintf(a.stdout, "Uploaded %d, skipped %d, failed %d of %d pending; %d tokens awarded\n",
		summary.Successful, summary.Skipped, summary.Failed, summary.Pending, summary.TokensAwarded)
	if summary.Unauthorized {
		fmt.Fprintln(a.stderr, "The collection service rejected your credentials. Run `cowcow auth login` to sign in.")
	}
	return err
}

func (a *app) cmdStats(ctx context.Context, args []string) error {
	fs := a.newFlagSet("stats")
	asJSON := fs.Bool("json", false, "Print statistics as JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	store, err := a.openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	a.metrics.SetPendingUploads(stats.Pending)

	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Fprintf(a.stdout, "Recordings: %d\n", stats.Total)
	fmt.Fprintf(a.stdout, "  uploaded: %d\n", stats.Uploaded)
	fmt.Fprintf(a.stdout, "  pending:  %d\n", stats.Pending)
	fmt.Fprintf(a.stdout, "  failed:   %d\n", stats.Failed)
	return nil
}

type check struct {
	name string
	// optional checks are reported but do not fail the command.
	optional bool
	run      func(ctx context.Context) (string, error)
}

func (a *app) cmdDoctor(ctx context.Context, args []string) error {
	fs := a.newFlagSet("doctor")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	checks := []check{
		{name: "config", run: func(ctx context.Context) (string, error) {
			return a.configPath, a.cfg.Validate()
		}},
		{name: "data directory", run: func(ctx context.Context) (string, error) {
			if err := os.MkdirAll(a.paths.DataDir, 0o755); err != nil {
				return "", err
			}
			f, err := os.CreateTemp(a.paths.DataDir, ".doctor-*")
			if err != nil {
				return "", fmt.Errorf("not writable: %w", err)
			}
			f.Close()
			os.Remove(f.Name())
			return a.paths.DataDir, nil
		}},
		{name: "ledger", run: func(ctx context.Context) (string, error) {
			store, err := ledger.Open(a.paths.Database)
			if err != nil {
				return "", err
			}
			defer store.Close()
			stats, err := store.Stats(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d recordings, %d pending", stats.Total, stats.Pending), nil
		}},
		{name: "capture", run: func(ctx context.Context) (string, error) {
			device, err := a.captureHost().DefaultInputDevice()
			if err != nil {
				return "", err
			}
			return device.Name(), nil
		}},
		{name: "credentials", optional: true, run: func(ctx context.Context) (string, error) {
			client, err := a.authClient()
			if err != nil {
				return "", err
			}
			creds, err := client.Check()
			if err != nil {
				return "", err
			}
			return "logged in as " + creds.Username, nil
		}},
		{name: "collection service", optional: true, run: func(ctx context.Context) (string, error) {
			client, err := a.authClient()
			if err != nil {
				return "", err
			}
			ctx, cancel := context.WithTimeout(ctx, healthTimeout)
			defer cancel()
			if err := client.Health(ctx); err != nil {
				return "", err
			}
			return a.cfg.API.Endpoint, nil
		}},
	}

	failed := 0
	for _, c := range checks {
		detail, err := c.run(ctx)
		switch {
		case err == nil:
			fmt.Fprintf(a.stdout, "[ok]   %s: %s\n", c.name, detail)
		case c.optional:
			fmt.Fprintf(a.stdout, "[warn] %s: %v\n", c.name, err)
		default:
			failed++
			fmt.Fprintf(a.stdout, "[fail] %s: %v\n", c.name, err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

func (a *app) cmdAnalyze(args []string) error {
	fs := a.newFlagSet("analyze")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(a.stderr, "analyze: expected one WAV file")
		return errUsage
	}
	path := fs.Arg(0)

	samples, info, err := audio.ReadWAVFile(path)
	if err != nil {
		return err
	}

	sampleRate := int(info.SampleRate)
	detector, err := vad.NewProcessor(recorder.DefaultVADThreshold, sampleRate)
	if err != nil {
		return fmt.Errorf("cannot analyze %s: %w", path, err)
	}

	m, chunks, err := quality.AnalyzeSamples(samples, sampleRate, detector, a.logger)
	if err != nil {
		return fmt.Errorf("failed to analyze %s: %w", path, err)
	}

	fmt.Fprintf(a.stdout, "File:     %s\n", path)
	fmt.Fprintf(a.stdout, "Format:   %d Hz, %d channels, %.1fs\n", info.SampleRate, info.Channels, info.Duration)
	fmt.Fprintf(a.stdout, "Chunks:   %d\n", chunks)
	fmt.Fprintf(a.stdout, "SNR:      %.1f dB\n", m.SNRDB)
	fmt.Fprintf(a.stdout, "Clipping: %.2f%%\n", m.ClippingPct)
	fmt.Fprintf(a.stdout, "VAD:      %.1f%%\n", m.VADRatio)
	stats := detector.Stats()
	fmt.Fprintf(a.stdout, "Frames:   %d of %d classified as speech\n", stats.SpeechFrames, stats.TotalFrames)
	if ok, reason := a.policy().Check(m); ok {
		fmt.Fprintln(a.stdout, "Quality:  passes the upload gate")
	} else {
		fmt.Fprintf(a.stdout, "Quality:  fails the upload gate (%s)\n", reason)
	}
	return nil
}

func (a *app) cmdAuth(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.stderr, "auth: expected login, logout or status")
		return errUsage
	}

	client, err := a.authClient()
	if err != nil {
		return err
	}

	switch args[0] {
	case "login":
		fs := a.newFlagSet("auth login")
		username := fs.String("username", "", "Account username (required)")
		password := fs.String("password", "", "Account password (read from stdin when empty)")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		if *username == "" {
			fmt.Fprintln(a.stderr, "auth login: -username is required")
			return errUsage
		}
		if *password == "" {
			fmt.Fprint(a.stdout, "Password: ")
			line, err := bufio.NewReader(a.stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			*password = strings.TrimRight(line, "\r\n")
			fmt.Fprintln(a.stdout)
		}

		creds, err := client.Login(ctx, *username, *password)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Logged in as %s until %s\n", creds.Username, creds.Expiry().Format(time.RFC3339))
		return nil

	case "logout":
		if err := client.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "Logged out.")
		return nil

	case "status":
		creds, err := client.Check()
		if errors.Is(err, auth.ErrNotAuthenticated) {
			fmt.Fprintln(a.stdout, "Not logged in. Run `cowcow auth login` to sign in.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Logged in as %s", creds.Username)
		if exp := creds.Expiry(); !exp.IsZero() {
			fmt.Fprintf(a.stdout, " until %s", exp.Format(time.RFC3339))
		}
		fmt.Fprintln(a.stdout)
		return nil

	default:
		fmt.Fprintf(a.stderr, "auth: unknown subcommand %q\n", args[0])
		return errUsage
	}
}

func (a *app) cmdConfig(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.stderr, "config: expected show, set, reset or keys")
		return errUsage
	}

	switch args[0] {
	case "show":
		data, err := a.cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "# %s\n%s", a.configPath, data)
		return nil

	case "set":
		if len(args) != 3 {
			fmt.Fprintln(a.stderr, "config set: expected <key> <value>")
			return errUsage
		}
		if err := a.cfg.Set(args[1], args[2]); err != nil {
			if errors.Is(err, config.ErrUnknownKey) {
				fmt.Fprintf(a.stderr, "Known keys:\n  %s\n", strings.Join(a.cfg.Keys(), "\n  "))
			}
			return err
		}
		if err := a.cfg.Save(a.configPath); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Set %s = %s\n", args[1], args[2])
		return nil

	case "reset":
		cfg, err := config.Reset(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
		fmt.Fprintf(a.stdout, "Configuration reset to defaults at %s\n", a.configPath)
		return nil

	case "keys":
		for _, key := range a.cfg.Keys() {
			fmt.Fprintln(a.stdout, key)
		}
		return nil

	default:
		fmt.Fprintf(a.stderr, "config: unknown subcommand %q\n", args[0])
		return errUsage
	}
}
