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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/prospekt"
	"github.com/blnkfinance/prospekt/config"
	"github.com/blnkfinance/prospekt/database"
	"github.com/blnkfinance/prospekt/internal/notification"
)

// Prospekt represents the CLI application, encapsulating the root Cobra command.
type Prospekt struct {
	cmd *cobra.Command
}

// prospektInstance carries the loaded configuration to every command and the
// wired instance to the commands that need one.
type prospektInstance struct {
	prospekt *prospekt.Prospekt
	cnf      *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration before any command runs.
func preRun(app *prospektInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// setup wires the instance. With useQueue, candidates collected by jobs are
// handed to the redis ingest queues instead of the in-process pipeline.
func (app *prospektInstance) setup(useQueue bool, opts ...prospekt.Option) error {
	db, err := database.NewDataSource(app.cnf)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	if useQueue && app.cnf.Redis.Dns != "" {
		queue, err := prospekt.NewQueue(app.cnf)
		if err != nil {
			return err
		}
		opts = append(opts, prospekt.WithQueue(queue))
	}

	p, err := prospekt.NewProspekt(db, opts...)
	if err != nil {
		notification.NotifyError(err)
		return fmt.Errorf("error creating prospekt: %v", err)
	}
	app.prospekt = p
	return nil
}

// NewCLI creates the command-line interface with its server, worker, scan and
// migration commands.
func NewCLI() *Prospekt {
	var configFile string
	p := &prospektInstance{}

	var rootCmd = &cobra.Command{
		Use:   "prospekt",
		Short: "Prospect ingestion and reconciliation",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./prospekt.json", "Configuration file for prospekt")
	rootCmd.PersistentPreRunE = preRun(p, &configFile)

	rootCmd.AddCommand(serverCommands(p))
	rootCmd.AddCommand(workerCommands(p))
	rootCmd.AddCommand(scanCommands(p))
	rootCmd.AddCommand(migrateCommands(p))
	rootCmd.AddCommand(configCommands(p))

	return &Prospekt{cmd: rootCmd}
}

func (w Prospekt) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
