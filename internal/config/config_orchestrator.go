package config

import (
	"time"

	"github.com/cliorch/cliorchd/pkg/models"
)

// OrchestratorConfig holds the per-run timing and policy defaults a Project
// Orchestrator is constructed with.
type OrchestratorConfig struct {
	DefaultRunDeadlineSeconds     int             `yaml:"default_run_deadline_seconds"`
	DefaultStallSeconds           int             `yaml:"default_stall_seconds"`
	IdleOrchestratorLingerSeconds int             `yaml:"idle_orchestrator_linger_seconds"`
	CancelGraceSeconds            int             `yaml:"cancel_grace_seconds"`
	AvailabilityCacheSeconds      int             `yaml:"availability_cache_seconds"`
	FallbackAgent                 models.AgentKind `yaml:"fallback_agent"`
}

func (o *OrchestratorConfig) applyDefaults() {
	if o.DefaultRunDeadlineSeconds == 0 {
		o.DefaultRunDeadlineSeconds = 600
	}
	if o.DefaultStallSeconds == 0 {
		o.DefaultStallSeconds = 90
	}
	if o.IdleOrchestratorLingerSeconds == 0 {
		o.IdleOrchestratorLingerSeconds = 30
	}
	if o.CancelGraceSeconds == 0 {
		o.CancelGraceSeconds = 2
	}
	if o.AvailabilityCacheSeconds == 0 {
		o.AvailabilityCacheSeconds = 60
	}
	if o.FallbackAgent == "" {
		o.FallbackAgent = models.AgentClaude
	}
}

func (o OrchestratorConfig) RunDeadline() time.Duration {
	return time.Duration(o.DefaultRunDeadlineSeconds) * time.Second
}

func (o OrchestratorConfig) StallWindow() time.Duration {
	return time.Duration(o.DefaultStallSeconds) * time.Second
}

func (o OrchestratorConfig) IdleLinger() time.Duration {
	return time.Duration(o.IdleOrchestratorLingerSeconds) * time.Second
}

func (o OrchestratorConfig) CancelGrace() time.Duration {
	return time.Duration(o.CancelGraceSeconds) * time.Second
}

func (o OrchestratorConfig) AvailabilityCache() time.Duration {
	return time.Duration(o.AvailabilityCacheSeconds) * time.Second
}

// HubConfig configures the Subscription Hub's per-connection buffering and
// replay behavior.
type HubConfig struct {
	SubscriberQueueCapacity int `yaml:"subscriber_queue_capacity"`
	HistoryReplayDefault    int `yaml:"history_replay_default"`
	KeepaliveSeconds        int `yaml:"keepalive_seconds"`
	KeepaliveTimeoutSeconds int `yaml:"keepalive_timeout_seconds"`
}

func (h *HubConfig) applyDefaults() {
	if h.SubscriberQueueCapacity == 0 {
		h.SubscriberQueueCapacity = 512
	}
	if h.HistoryReplayDefault == 0 {
		h.HistoryReplayDefault = 200
	}
	if h.KeepaliveSeconds == 0 {
		h.KeepaliveSeconds = 60
	}
	if h.KeepaliveTimeoutSeconds == 0 {
		h.KeepaliveTimeoutSeconds = 120
	}
}

// ModelsConfig holds the (AgentKind, canonical model name) -> native flag
// table the Adapter Registry serves through resolve_model.
type ModelsConfig struct {
	// Table maps "agentkind/canonical-name" to the CLI's native flag value.
	Table map[string]string `yaml:"table"`
}
