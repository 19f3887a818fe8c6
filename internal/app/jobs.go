package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const jobTimeout = time.Minute

// scheduleJobs registers the housekeeping jobs named in the config. A job
// with an empty spec is skipped.
func (a *Application) scheduleJobs() error {
	a.jobs = cron.New(cron.WithChain(cron.Recover(cronLogger{a})))

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) (int, error)
	}{
		{"session_gc", a.cfg.Jobs.SessionGC, a.sessions.GC},
		{"cache_purge", a.cfg.Jobs.CachePurge, a.purgeCache},
		{"limiter_cleanup", a.cfg.Jobs.LimiterCleanup, a.cleanupLimiter},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := a.jobs.AddFunc(job.spec, func() { a.runJob(job.name, job.run) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
	}
	return nil
}

func (a *Application) runJob(name string, run func(ctx context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := run(ctx)
	entry := a.log.WithField("job", name).WithField("duration", time.Since(start))
	if err != nil {
		entry.WithError(err).Warn("Job failed")
		return
	}
	if n > 0 {
		entry.WithField("removed", n).Info("Job finished")
	}
}

func (a *Application) purgeCache(ctx context.Context) (int, error) {
	maxAge := a.cfg.Jobs.CacheMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return a.cache.Purge(ctx, maxAge)
}

func (a *Application) cleanupLimiter(context.Context) (int, error) {
	if a.limiter == nil {
		return 0, nil
	}
	idle := a.cfg.Jobs.LimiterIdle
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return a.limiter.Cleanup(idle), nil
}

// cronLogger routes cron's own messages into the application log.
type cronLogger struct{ a *Application }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.a.log.WithField("cron", fmt.Sprint(keysAndValues...)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.a.log.WithError(err).WithField("cron", fmt.Sprint(keysAndValues...)).Error(msg)
}
