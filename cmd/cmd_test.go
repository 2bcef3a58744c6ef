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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/prospekt/model"
)

func TestLoadScanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
job:
  source: searchch
  query: villa
  localities: [Sion, Genève]
  concurrency: 2
pool:
  - id: px1
    kind: proxy
    address: http://10.0.0.1:3128
    valid: true
    active: true
    quota_total: 500
`), 0o600))

	f, err := loadScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, model.JobRequest{Source: "searchch", Query: "villa", Localities: []string{"Sion", "Genève"}, Concurrency: 2}, f.Job)
	require.Len(t, f.Pool, 1)
	assert.Equal(t, model.ResourceProxy, f.Pool[0].Kind)
	assert.Equal(t, 500, f.Pool[0].QuotaTotal)
	assert.True(t, f.Pool[0].Active)
}

func TestLoadScanFile_Errors(t *testing.T) {
	_, err := loadScanFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("job: [unterminated"), 0o600))
	_, err = loadScanFile(path)
	assert.ErrorContains(t, err, "parse")
}

func TestNewCLI_RegistersCommands(t *testing.T) {
	cli := NewCLI()
	var names []string
	for _, c := range cli.cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"start", "workers", "scan", "migrate", "config"})

	flag := cli.cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "./prospekt.json", flag.DefValue)
}
