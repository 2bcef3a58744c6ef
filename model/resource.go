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

package model

import (
	"fmt"
	"time"
)

// ResourceKind identifies a pool of rotating network identities.
type ResourceKind string

const (
	ResourceNone  ResourceKind = ""
	ResourceProxy ResourceKind = "proxy"
	ResourceEmail ResourceKind = "email"
)

// ParseResourceKind converts a path or config value into a ResourceKind.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch ResourceKind(s) {
	case ResourceProxy, ResourceEmail:
		return ResourceKind(s), nil
	}
	return ResourceNone, fmt.Errorf("unknown resource kind %q", s)
}

// Outcome classifies how a task went for the resource it used.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeSoftFail Outcome = "soft_fail"
	OutcomeHardFail Outcome = "hard_fail"
)

// ResourceEntry is a pool member. Proxies use Address as the proxy URL, email
// accounts use it as the sender address. QuotaTotal of zero means unlimited and
// is only meaningful for proxies.
type ResourceEntry struct {
	ID                  string       `json:"id" yaml:"id"`
	Kind                ResourceKind `json:"kind" yaml:"kind"`
	Address             string       `json:"address" yaml:"address"`
	Valid               bool         `json:"valid" yaml:"valid"`
	Active              bool         `json:"active" yaml:"active"`
	LatencyMS           int          `json:"latency_ms" yaml:"latency_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures" yaml:"-"`
	QuotaUsed           int          `json:"quota_used" yaml:"quota_used"`
	QuotaTotal          int          `json:"quota_total" yaml:"quota_total"`
	CooldownUntil       time.Time    `json:"cooldown_until" yaml:"-"`
	LastUsedAt          time.Time    `json:"last_used_at" yaml:"-"`
	InUse               bool         `json:"in_use" yaml:"-"`
}

// ProxyEntry and EmailAccountEntry share one shape; the kind tells them apart.
type (
	ProxyEntry        = ResourceEntry
	EmailAccountEntry = ResourceEntry
)

// Lease binds one pool entry to one in-flight task.
type Lease struct {
	ID         string       `json:"id"`
	ResourceID string       `json:"resource_id"`
	Kind       ResourceKind `json:"kind"`
	Address    string       `json:"address"`
	AcquiredAt time.Time    `json:"acquired_at"`
}

// PoolStats summarises one pool.
type PoolStats struct {
	Kind         ResourceKind `json:"kind"`
	Total        int          `json:"total"`
	Valid        int          `json:"valid"`
	Active       int          `json:"active"`
	Eligible     int          `json:"eligible"`
	CoolingDown  int          `json:"cooling_down"`
	QuotaReached int          `json:"quota_reached"`
	InUse        int          `json:"in_use"`
	AvgLatencyMS float64      `json:"avg_latency_ms"`
}
