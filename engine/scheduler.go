package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// finishedJobRetention is how long completed jobs stay listed
const finishedJobRetention = 24 * time.Hour

// InitializeSchedules starts the hot folder job and the job cleanup. The
// returned scheduler is stopped by the caller on shutdown.
func (serverHandler *ServerHandler) InitializeSchedules(ctx context.Context) *cron.Cron {
	serverConfig := serverHandler.ServerConfig

	c := cron.New()
	var ingressJob cron.Job
	ingressJob = cron.FuncJob(func() { serverHandler.ingressJobFunc(ctx) })
	ingressJob = cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(ingressJob) //ensure we don't kick off another if old one is still running

	// Run ingress job immediately at startup in a goroutine
	Logger.Info("Running ingress job at startup")
	go ingressJob.Run()

	if _, err := c.AddJob(fmt.Sprintf("@every %dm", serverConfig.IngressInterval), ingressJob); err != nil {
		Logger.Error("Unable to schedule ingress job", "interval_minutes", serverConfig.IngressInterval, "error", err)
	} else {
		Logger.Info("Adding Ingress Job scheduler", "interval_minutes", serverConfig.IngressInterval)
	}

	c.AddFunc("@hourly", func() {
		if count, err := serverHandler.Jobs.DeleteOldJobs(finishedJobRetention); err != nil {
			Logger.Error("Unable to delete old jobs", "error", err)
		} else if count > 0 {
			Logger.Info("Deleted old jobs", "count", count)
		}
	})
	c.Start()
	return c
}
