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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/blnkfinance/prospekt/model"
)

// scanFile is the yaml job description read by the scan command.
type scanFile struct {
	Job  model.JobRequest      `yaml:"job"`
	Pool []model.ResourceEntry `yaml:"pool"`
}

func loadScanFile(path string) (*scanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f scanFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

func printProgress(e model.Event) {
	switch e.Type {
	case model.EventProgress:
		if p := e.Progress; p != nil {
			fmt.Printf("[%d/%d] %s\n", p.Progress, p.Total, p.Message)
		}
	case model.EventProspectMerged:
		if m := e.Merge; m != nil {
			fmt.Printf("  merged %s into %s (%s)\n", m.AbsorbedID, m.SurvivorID, m.Reason)
		}
	case model.EventCandidateDropped, model.EventIngestFailed, model.EventInvariantViolated:
		if m := e.Merge; m != nil {
			fmt.Printf("  %s %s: %s\n", e.Type, m.CandidateID, m.Error)
		}
	}
}

// scanCommands runs one job in the foreground, printing its progress and the
// final result once every candidate has been ingested.
func scanCommands(app *prospektInstance) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "run one scraping job from a yaml file",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			scan, err := loadScanFile(file)
			if err != nil {
				log.Fatal(err)
			}

			if err := app.setup(false); err != nil {
				log.Fatal(err)
			}
			p := app.prospekt
			for _, entry := range scan.Pool {
				if err := p.Pool().Upsert(entry); err != nil {
					log.Fatalf("pool entry %s: %v", entry.ID, err)
				}
			}
			p.Start(ctx)

			events := p.Broker().Subscribe(nil)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for e := range events.Events() {
					printProgress(e)
				}
			}()

			result, err := p.Orchestrator().Run(ctx, scan.Job)
			if err != nil {
				log.Fatal(err)
			}

			// Shutdown drains the pipeline, so the ingest counters are final.
			if err := p.Shutdown(context.Background()); err != nil {
				log.Printf("shutdown incomplete: %v", err)
			}
			<-done

			if final, err := p.Jobs().Get(context.Background(), result.JobID); err == nil {
				result = *final
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "scan.yaml", "yaml file with the job and pool entries")

	return cmd
}
