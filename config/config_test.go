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

package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{}

	err := cnf.validateAndAddDefaults()
	require.NoError(t, err)

	assert.Equal(t, "Prospekt", cnf.ProjectName)
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, 1000, cnf.Pool.BackoffBaseMs)
	assert.Equal(t, 2.0, cnf.Pool.BackoffFactor)
	assert.Equal(t, 60000, cnf.Pool.BackoffCapMs)
	assert.Equal(t, 3, cnf.Orchestrator.MaxAttempts)
	assert.Equal(t, 60, *cnf.Merge.MinConfidenceScore)
	assert.Equal(t, 0.7, *cnf.Merge.SuggestionThreshold)
	assert.Equal(t, 3, cnf.Merge.StorageRetries)
	assert.Equal(t, 8, cnf.Queue.NumberOfQueues)
	assert.Equal(t, "5004", cnf.Queue.MonitoringPort)
	assert.Equal(t, "prospekt:events", cnf.Fanout.RedisChannel)
	assert.False(t, cnf.Scheduler.Disabled)
	assert.Equal(t, 60, cnf.Scheduler.PollIntervalSec)
	assert.Equal(t, "UTC", cnf.Scheduler.Timezone)
	require.NotNil(t, cnf.RateLimit.CleanupIntervalSec)
	assert.Nil(t, cnf.RateLimit.RequestsPerSecond)
}

func TestValidateAndAddDefaults_RejectsBadValues(t *testing.T) {
	cnf := Configuration{Pool: PoolConfig{BackoffFactor: 0.5}}
	err := cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "pool backoff factor must be at least 1")

	cnf = Configuration{Merge: MergeConfig{MinConfidenceScore: ptr.Int(120)}}
	err = cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "merge min confidence score must be between 0 and 100")

	cnf = Configuration{Merge: MergeConfig{SuggestionThreshold: ptr.Float64(1.5)}}
	err = cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "merge suggestion threshold must be between 0 and 1")

	cnf = Configuration{Server: ServerConfig{Secure: true}}
	err = cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "server secret key is required in secure mode")

	cnf = Configuration{Scheduler: SchedulerConfig{Timezone: "Europe/Nowhere"}}
	err = cnf.validateAndAddDefaults()
	assert.ErrorContains(t, err, "scheduler timezone")
}

func TestSchedulerConfig_Location(t *testing.T) {
	s := SchedulerConfig{Timezone: "Europe/Zurich"}.WithDefaults()
	assert.Equal(t, "Europe/Zurich", s.Location().String())
	assert.Equal(t, 60, s.PollIntervalSec)

	assert.Equal(t, time.UTC, SchedulerConfig{}.Location())
	assert.Equal(t, time.UTC, SchedulerConfig{Timezone: "Europe/Nowhere"}.Location())
}

func TestValidateAndAddDefaults_KeepsExplicitZeroThresholds(t *testing.T) {
	cnf := Configuration{Merge: MergeConfig{
		MinConfidenceScore:      ptr.Int(0),
		SuggestionThreshold:     ptr.Float64(0),
		NameSimilarityThreshold: ptr.Float64(0),
	}}
	require.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, 0, *cnf.Merge.MinConfidenceScore)
	assert.Equal(t, 0.0, *cnf.Merge.SuggestionThreshold)
	assert.Equal(t, 0.0, *cnf.Merge.NameSimilarityThreshold)
}

func TestWithDefaults(t *testing.T) {
	o := OrchestratorConfig{MaxAttempts: 1}.WithDefaults()
	assert.Equal(t, 1, o.MaxAttempts)
	assert.Equal(t, 4, o.DefaultConcurrency)
	assert.Equal(t, 30000, o.RequestTimeoutMs)
	assert.NotNil(t, o.Sources)

	m := MergeConfig{MinConfidenceScore: ptr.Int(0)}.WithDefaults()
	assert.Equal(t, 0, *m.MinConfidenceScore)
	assert.Equal(t, 3, m.StorageRetries)
	require.NotNil(t, m.SuggestionThreshold)
	assert.Equal(t, 0.7, *m.SuggestionThreshold)
}

func TestValidateAndAddDefaults_RateLimitBurst(t *testing.T) {
	rps := 5.0
	cnf := Configuration{RateLimit: RateLimitConfig{RequestsPerSecond: &rps}}
	require.NoError(t, cnf.validateAndAddDefaults())
	require.NotNil(t, cnf.RateLimit.Burst)
	assert.Equal(t, 10, *cnf.RateLimit.Burst)
}

func TestSourceLimitFor(t *testing.T) {
	o := OrchestratorConfig{
		DefaultConcurrency: 4,
		Sources: map[string]SourceLimit{
			"searchch": {Concurrency: 2, RequestsPerSecond: 1.5},
		},
	}

	assert.Equal(t, SourceLimit{Concurrency: 2, RequestsPerSecond: 1.5}, o.SourceLimitFor("searchch"))
	assert.Equal(t, SourceLimit{Concurrency: 4}, o.SourceLimitFor("localch"))
}

func TestMs(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Ms(1500))
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "prospekt.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Merge:       MergeConfig{MinConfidenceScore: ptr.Int(75)},
	}
	require.NoError(t, json.NewEncoder(tmpFile).Encode(sampleConfig))
	tmpFile.Close()

	t.Setenv("PROSPEKT_PROJECT_NAME", "Env Project")

	require.NoError(t, loadConfigFromFile(tmpFile.Name()))

	loadedConfig, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, "Env Project", loadedConfig.ProjectName)
	assert.Equal(t, "temp-dns", loadedConfig.DataSource.Dns)
	assert.Equal(t, 75, *loadedConfig.Merge.MinConfidenceScore)
	assert.Equal(t, 3, loadedConfig.Orchestrator.MaxAttempts)
}

func TestInitConfig_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("PROSPEKT_MERGE_MIN_CONFIDENCE_SCORE", "70")

	require.NoError(t, InitConfig("does-not-exist.json"))

	loadedConfig, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, 70, *loadedConfig.Merge.MinConfidenceScore)
}

func TestMockConfig(t *testing.T) {
	MockConfig(&Configuration{ProjectName: "mocked"})
	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "mocked", cnf.ProjectName)
}
