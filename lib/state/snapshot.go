package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"krinkuto11/aceorch/lib/driver"
)

// Snapshot is the persisted form of the fleet state. Only started streams
// are written; ended streams are reconstructible noise after a restart.
type Snapshot struct {
	Engines        []Engine  `json:"engines"`
	Streams        []Stream  `json:"streams"`
	LookaheadLayer *int      `json:"lookahead_layer,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const persistDebounce = 5 * time.Second

// RunPersister writes the snapshot to path, debounced: after a mutation
// the write happens once the store has been quiet for the debounce window
// (or at the latest one window after the first dirty mark). Blocks until
// ctx is cancelled; a final snapshot is written on the way out.
func (s *Store) RunPersister(ctx context.Context, path string) {
	if path == "" {
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(persistDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	for {
		select {
		case <-ctx.Done():
			if err := s.WriteSnapshot(path); err != nil {
				s.log.Warn().Err(err).Msg("Final snapshot write failed")
			}
			return
		case <-s.dirty:
			if !armed {
				timer.Reset(persistDebounce)
				armed = true
			}
		case <-timer.C:
			armed = false
			if err := s.WriteSnapshot(path); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("Snapshot write failed")
			}
		}
	}
}

// WriteSnapshot writes the current state atomically.
func (s *Store) WriteSnapshot(path string) error {
	snap := Snapshot{
		Engines:   s.Engines(),
		Streams:   s.Streams(StreamStarted),
		UpdatedAt: time.Now(),
	}
	if layer, ok := s.LookaheadLayer(); ok {
		snap.LookaheadLayer = &layer
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores a previously written snapshot. A missing file is
// a clean first start, not an error.
func (s *Store) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.engMu.Lock()
	for _, e := range snap.Engines {
		eng := e
		s.engines[e.ContainerID] = &eng
	}
	s.engMu.Unlock()
	s.strMu.Lock()
	for _, st := range snap.Streams {
		stream := st
		s.streams[st.ID] = &stream
	}
	s.strMu.Unlock()
	if snap.LookaheadLayer != nil {
		s.SetLookaheadLayer(*snap.LookaheadLayer)
	}
	s.log.Info().
		Int("engines", len(snap.Engines)).
		Int("streams", len(snap.Streams)).
		Time("updated_at", snap.UpdatedAt).
		Msg("Restored fleet snapshot")
	return nil
}

// Reindex reconciles the store against the runtime's managed containers.
// Containers unknown to the store are inserted (forwarded restored from
// the acestream.forwarded label); engines whose container is gone are
// dropped and their started streams ended. Runs at startup and after every
// successful provision.
func (s *Store) Reindex(ctx context.Context, d driver.Driver) error {
	infos, err := d.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}

	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		if !info.Running {
			continue
		}
		seen[info.ID] = true
		if _, ok := s.Engine(info.ID); ok {
			continue
		}
		e := Engine{
			ContainerID:   info.ID,
			ContainerName: info.Name,
			Host:          "127.0.0.1",
			Port:          info.HostHTTPPort,
			HTTPSPort:     info.ContainerHTTPSPort,
			Health:        Unknown,
			CreatedAt:     info.CreatedAt,
			Labels:        info.Labels,
			Forwarded:     info.Labels[driver.LabelForwarded] == "true",
			VPNBinding:    info.Labels["acestream.vpn"],
			TemplateID:    info.Labels[driver.LabelTemplateID],
		}
		s.log.Info().Str("container_id", ShortID(info.ID)).Msg("Reindex discovered engine")
		s.UpsertEngine(e)
	}

	for _, e := range s.Engines() {
		if seen[e.ContainerID] {
			continue
		}
		s.log.Warn().Str("container_id", ShortID(e.ContainerID)).Msg("Reindex dropping engine without container")
		for _, st := range s.Streams(StreamStarted) {
			if st.EngineID == e.ContainerID {
				s.EndStream(st.ID, "engine_gone")
			}
		}
		s.RemoveEngine(e.ContainerID)
	}
	return nil
}

// ShortID trims a container id to the docker-style 12-char form for logs.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
