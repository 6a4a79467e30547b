// Package session implements the Session State Store (C3): a process-wide
// in-memory map from (project-id, agent-kind) to models.Session, written
// only by each project's owning Orchestrator and read via copy-on-read by
// everyone else (e.g. an availability UI).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cliorch/cliorchd/internal/store"
	"github.com/cliorch/cliorchd/pkg/models"
)

// Store is the Session State Store. All writes for a given key must come
// from a single goroutine (the owning project's Orchestrator run loop) —
// Store itself only guards the map, it does not enforce single-writer
// discipline beyond that.
type Store struct {
	mu         sync.RWMutex
	sessions   map[models.SessionKey]models.Session
	projectSeq map[string]uint64 // project-wide seq counter; seq is unique within project_id, not per agent

	messages store.MessageStore
}

// New builds an empty Store backed by messages for lazy population.
func New(messages store.MessageStore) *Store {
	return &Store{
		sessions:   make(map[models.SessionKey]models.Session),
		projectSeq: make(map[string]uint64),
		messages:   messages,
	}
}

// Get returns a copy of the session for key, and whether one exists yet.
func (s *Store) Get(key models.SessionKey) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Put overwrites the session for key. Callers must hold single-writer
// discipline for key themselves (the owning Orchestrator's run loop never
// calls Put concurrently for the same key).
func (s *Store) Put(sess models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key()] = sess
}

// NextSeq allocates the next project-wide sequence number for projectID —
// seq is unique within project_id across every agent kind that project has
// ever run, per the Message Store's row key — and stamps it onto key's
// session as the last seq stamped for that agent.
func (s *Store) NextSeq(key models.SessionKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectSeq[key.ProjectID]++
	seq := s.projectSeq[key.ProjectID]

	sess := s.sessions[key]
	sess.ProjectID, sess.Agent = key.ProjectID, key.Agent
	sess.Seq = seq
	s.sessions[key] = sess
	return seq
}

// RecordSessionInfo writes a newly revealed native session id. Per
// pkg/models.Session's doc comment, this is only ever called for a run whose
// terminal status is complete (directly or via fellback) and that emitted at
// least one AssistantText.
func (s *Store) RecordSessionInfo(projectID string, agent models.AgentKind, nativeSessionID string, model models.ModelId) {
	key := models.SessionKey{ProjectID: projectID, Agent: agent}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[key]
	sess.ProjectID, sess.Agent = projectID, agent
	sess.NativeSessionID = nativeSessionID
	if model != "" {
		sess.LastModel = model
	}
	s.sessions[key] = sess
}

// ClearNativeSession resets key's stored native session id, leaving
// LastModel and seq bookkeeping untouched. Used by the orchestrator's
// one-shot session_stale retry (spec §4.1): the CLI rejected the resume, so
// the retry must not pass a prior_session_id either.
func (s *Store) ClearNativeSession(key models.SessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[key]
	sess.ProjectID, sess.Agent = key.ProjectID, key.Agent
	sess.NativeSessionID = ""
	s.sessions[key] = sess
}

// DeleteProject removes every session row for projectID — the only session
// garbage collection this store performs, per spec §4.3.
func (s *Store) DeleteProject(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.sessions {
		if key.ProjectID == projectID {
			delete(s.sessions, key)
		}
	}
}

// Hydrate lazily populates projectID's sessions by scanning the Message
// Store for the latest SessionInfo event per agent kind, per spec §4.3's
// orchestrator-startup population rule. It is a no-op for any agent kind
// that already has an in-memory entry, so calling Hydrate more than once is
// safe but only fills gaps.
func (s *Store) Hydrate(ctx context.Context, projectID string) error {
	latest, err := s.messages.LatestSessionInfo(ctx, projectID)
	if err != nil {
		return fmt.Errorf("hydrate sessions for %s: %w", projectID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for agent, row := range latest {
		if row.Seq > s.projectSeq[projectID] {
			s.projectSeq[projectID] = row.Seq
		}

		key := models.SessionKey{ProjectID: projectID, Agent: agent}
		if _, exists := s.sessions[key]; exists {
			continue
		}
		var evt models.CanonicalEvent
		if err := json.Unmarshal(row.BodyJSON, &evt); err != nil {
			continue
		}
		if evt.SessionInfo == nil {
			continue
		}
		s.sessions[key] = models.Session{
			ProjectID:       projectID,
			Agent:           agent,
			NativeSessionID: evt.SessionInfo.NativeSessionID,
			Seq:             row.Seq,
		}
	}
	return nil
}
