/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/blnkfinance/prospekt"
	"github.com/blnkfinance/prospekt/config"
	redis_db "github.com/blnkfinance/prospekt/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	redisOption, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		redisOption,
		asynq.Config{
			Concurrency: conf.Queue.Concurrency,
			Queues:      prospekt.IngestQueues(conf.Queue),
			Logger:      logrus.StandardLogger(),
		},
	), nil
}

// workerCommands defines the "workers" command. Workers consume the ingest
// queues and run every candidate through the merge engine.
func workerCommands(app *prospektInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start prospekt ingest workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conf := app.cnf
			if conf.Redis.Dns == "" {
				log.Fatal("workers need a redis DNS to consume the ingest queues")
			}

			shutdownTracing, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			if err := app.setup(false); err != nil {
				log.Fatal(err)
			}
			// Runs the event bridge so merge events reach the API servers.
			app.prospekt.Start(ctx)

			srv, err := initializeWorkerServer(conf)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			prospekt.RegisterIngestHandlers(mux, conf.Queue, app.prospekt.Engine())

			redisOption, _ := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: redisOption,
			})
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					logrus.WithError(err).Error("could not start asynqmon server")
				}
			}()

			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
			<-ctx.Done()
			srv.Shutdown()

			if err := app.prospekt.Shutdown(context.Background()); err != nil {
				logrus.WithError(err).Error("shutdown incomplete")
			}
		},
	}

	return cmd
}
