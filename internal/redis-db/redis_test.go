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

package redis_db

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		password string
		db       int
		tls      bool
		wantErr  bool
	}{
		{name: "simple docker style", url: "redis:6379", addr: "redis:6379"},
		{name: "redis url with password", url: "redis://:password123@localhost:6379", addr: "localhost:6379", password: "password123"},
		{name: "password without colon", url: "redis://s3cr3t@localhost:6379", addr: "localhost:6379", password: "s3cr3t"},
		{name: "database index", url: "redis://localhost:6379/3", addr: "localhost:6379", db: 3},
		{name: "tls url", url: "rediss://:pw@cache.example.com:6380", addr: "cache.example.com:6380", password: "pw", tls: true},
		{name: "azure redis address", url: "myinstance.redis.cache.windows.net:6380", addr: "myinstance.redis.cache.windows.net:6380", tls: true},
		{name: "empty", url: "  ", wantErr: true},
		{name: "bad scheme", url: "http://localhost:6379", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, got.Addr)
			assert.Equal(t, tt.password, got.Password)
			assert.Equal(t, tt.db, got.DB)
			assert.Equal(t, tt.tls, got.TLSConfig != nil)
		})
	}
}

func TestParseRedisURL_SkipTLSVerify(t *testing.T) {
	got, err := ParseRedisURL("rediss://localhost:6380", true)
	require.NoError(t, err)
	require.NotNil(t, got.TLSConfig)
	assert.True(t, got.TLSConfig.InsecureSkipVerify)

	got, err = ParseRedisURL("localhost:6379", true)
	require.NoError(t, err)
	assert.Nil(t, got.TLSConfig)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(mr.Addr(), false)
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(" , ", false)
	assert.EqualError(t, err, "redis addresses list cannot be empty")

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(addr, false)
	assert.Error(t, err)
}

func TestAsynqOpt(t *testing.T) {
	opt, err := AsynqOpt("redis://:pw@localhost:6379/2,localhost:6380", false)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 2, opt.DB)

	_, err = AsynqOpt("", false)
	assert.Error(t, err)
}
