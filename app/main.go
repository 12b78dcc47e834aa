package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/resfind/amrjobs/app/notify"
	"github.com/resfind/amrjobs/app/store"
	"github.com/resfind/amrjobs/app/web"
	"github.com/resfind/amrjobs/app/worker"
)

var opts struct {
	Listen string `short:"l" long:"listen" env:"AMRJOBS_LISTEN" default:":8080" description:"address to listen on"`

	DB struct {
		Path        string        `long:"path" env:"PATH" default:"var/amrjobs.db" description:"sqlite database file"`
		BusyTimeout time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"5s" description:"sqlite busy timeout"`
		OpTimeout   time.Duration `long:"op-timeout" env:"OP_TIMEOUT" default:"10s" description:"per-operation deadline"`
	} `group:"db" namespace:"db" env-namespace:"AMRJOBS_DB"`

	Worker struct {
		Concurrency int    `long:"concurrency" env:"CONCURRENCY" default:"2" description:"max concurrent predictions"`
		ResultsDir  string `long:"results" env:"RESULTS" default:"var/results" description:"directory for result artifacts"`
		Command     string `long:"command" env:"COMMAND" description:"default prediction command template"`
		Presets     string `long:"presets" env:"PRESETS" description:"model presets yaml file"`
		CPUBelow    int    `long:"cpu-below" env:"CPU_BELOW" description:"start predictions only when cpu below percent (0 disables)"`
		MemBelow    int    `long:"mem-below" env:"MEM_BELOW" description:"start predictions only when memory below percent (0 disables)"`
	} `group:"worker" namespace:"worker" env-namespace:"AMRJOBS_WORKER"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to repeat failed prediction"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial backoff duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"backoff jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"AMRJOBS_REPEATER"`

	Cleanup struct {
		Schedule string        `long:"schedule" env:"SCHEDULE" description:"cron spec for retention sweep, empty disables"`
		Age      time.Duration `long:"age" env:"AGE" default:"720h" description:"delete terminal jobs older than this"`
	} `group:"cleanup" namespace:"cleanup" env-namespace:"AMRJOBS_CLEANUP"`

	Notify struct {
		Webhooks     []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s) for job notifications" env-delim:","`
		OnError      bool          `long:"on-error" env:"ON_ERROR" description:"notify on failed jobs"`
		OnCompletion bool          `long:"on-complete" env:"ON_COMPLETE" description:"notify on completed jobs"`
		Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"AMRJOBS_NOTIFY"`

	Log struct {
		File       string `long:"file" env:"FILE" description:"log file, stdout only if empty"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max rotated files"`
	} `group:"log" namespace:"log" env-namespace:"AMRJOBS_LOG"`

	Dbg bool `long:"dbg" env:"AMRJOBS_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("amrjobs %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs(opts.Dbg, opts.Log.File, opts.Log.MaxSize, opts.Log.MaxBackups)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGQUIT)
	go dumpStacks(quit, os.Stdout)

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	db, err := store.NewSQLiteStore(opts.DB.Path, store.Opts{
		BusyTimeout: opts.DB.BusyTimeout,
		OpTimeout:   opts.DB.OpTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to make job store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	predictor, err := makePredictor()
	if err != nil {
		return err
	}

	pool := &worker.Pool{
		Store:       db,
		Predictor:   predictor,
		Concurrency: opts.Worker.Concurrency,
		Repeater: repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
			Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter}),
		NotifyTimeout: opts.Notify.Timeout,
	}
	if opts.Worker.CPUBelow > 0 || opts.Worker.MemBelow > 0 {
		pool.Conditions = &worker.LoadGate{CPUBelow: opts.Worker.CPUBelow, MemoryBelow: opts.Worker.MemBelow}
	}
	if svc := notify.NewService(notify.Params{
		WebhookURLs:       opts.Notify.Webhooks,
		EnabledError:      opts.Notify.OnError,
		EnabledCompletion: opts.Notify.OnCompletion,
		Timeout:           opts.Notify.Timeout,
	}); svc != nil {
		pool.Notifier = svc
	}

	if opts.Cleanup.Schedule != "" {
		sweeper := cron.New()
		if _, err := sweeper.AddFunc(opts.Cleanup.Schedule, func() { cleanupOldJobs(ctx, db, opts.Cleanup.Age) }); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", opts.Cleanup.Schedule, err)
		}
		sweeper.Start()
		defer sweeper.Stop()
		log.Printf("[INFO] retention sweep scheduled %q, age %v", opts.Cleanup.Schedule, opts.Cleanup.Age)
	}

	srv, err := web.New(web.Config{Store: db, Submitter: pool, Version: revision})
	if err != nil {
		return fmt.Errorf("failed to make api server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Do(ctx)
		close(done)
	}()

	if err := srv.Run(ctx, opts.Listen); err != nil {
		return err
	}
	<-done // let in-flight predictions record their outcome
	return nil
}

// makePredictor builds the command predictor from presets file and default command
func makePredictor() (*worker.CmdPredictor, error) {
	predictor := &worker.CmdPredictor{
		ResultsDir: opts.Worker.ResultsDir,
		Default:    worker.ModelPreset{Command: opts.Worker.Command},
	}
	if opts.Worker.Presets != "" {
		presets, err := worker.LoadPresets(opts.Worker.Presets)
		if err != nil {
			return nil, fmt.Errorf("failed to load model presets: %w", err)
		}
		predictor.Presets = presets
		log.Printf("[INFO] loaded %d model presets from %s", len(presets), opts.Worker.Presets)
	}
	if predictor.Default.Command == "" && len(predictor.Presets) == 0 {
		return nil, fmt.Errorf("no prediction command configured, set --worker.command or --worker.presets")
	}
	return predictor, nil
}

// cleanupOldJobs removes terminal jobs past the retention age
func cleanupOldJobs(ctx context.Context, db *store.SQLiteStore, age time.Duration) {
	removed := 0
	for _, status := range []store.JobStatus{store.StatusCompleted, store.StatusError} {
		jobs, err := db.List(ctx, status, 0, 0)
		if err != nil {
			log.Printf("[WARN] retention sweep failed to list %s jobs: %v", status, err)
			continue
		}
		for _, job := range jobs {
			if job.EndTime.IsZero() || time.Since(job.EndTime) < age {
				continue
			}
			if err := db.Delete(ctx, job.ID); err != nil {
				log.Printf("[WARN] retention sweep failed to delete job %s: %v", job.ID, err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[INFO] retention sweep removed %d jobs", removed)
	}
}

func setupLogs(dbg bool, logFile string, maxSize, maxBackups int) {
	logOpts := []log.Option{log.Msec, log.LevelBraces}
	if dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.LevelBraces, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}
	if logFile != "" {
		fileWriter := &lumberjack.Logger{Filename: logFile, MaxSize: maxSize, MaxBackups: maxBackups, Compress: true}
		logOpts = append(logOpts, log.Out(io.MultiWriter(os.Stdout, fileWriter)))
	}
	log.Setup(logOpts...)
}

// dumpStacks writes all goroutine stacks on each received signal, the process
// keeps running. Wired to SIGQUIT for live diagnostics.
func dumpStacks(sigs <-chan os.Signal, w io.Writer) {
	for range sigs {
		buf := make([]byte, 64*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(w, "%s\n", buf[:n])
	}
}
