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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/prospekt/api"
	"github.com/blnkfinance/prospekt/config"
	trace "github.com/blnkfinance/prospekt/internal/traces"
)

const shutdownTimeout = 30 * time.Second

/*
newTLSServer builds an HTTPS server with certificates managed by CertMagic.
If no domain is specified, the certificate is issued for localhost.
*/
func newTLSServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}, nil
}

func initializeTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializeObservability(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	return initializeTracing(ctx, cfg.ProjectName)
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, tls bool) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls {
			log.Printf("Starting HTTPS server on %s\n", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			log.Printf("Starting server on http://localhost%s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

/*
serverCommands returns the command that starts the HTTP API and, unless it is
disabled, the schedule poller. Jobs started through the API or a schedule hand
their candidates to the redis ingest queues when redis is configured and to
the in-process pipeline otherwise.
*/
func serverCommands(app *prospektInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start prospekt server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := initializeObservability(ctx, app.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			if err := app.setup(true); err != nil {
				log.Fatal(err)
			}
			app.prospekt.Start(ctx)
			if !app.cnf.Scheduler.Disabled {
				go app.prospekt.Scheduler().Run(ctx)
			}

			router := api.NewAPI(app.prospekt).Router()
			srv := &http.Server{Addr: ":" + app.cnf.Server.Port, Handler: router}
			if app.cnf.Server.SSL {
				srv, err = newTLSServer(ctx, router, app.cnf.Server)
				if err != nil {
					log.Fatal(err)
				}
			}

			if err := serve(ctx, srv, app.cnf.Server.SSL); err != nil {
				logrus.WithError(err).Error("server stopped")
			}

			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.prospekt.Shutdown(drainCtx); err != nil {
				logrus.WithError(err).Error("shutdown incomplete")
			}
		},
	}

	return cmd
}
