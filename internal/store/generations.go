package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
)

const generationsKey = "meta/generations"

// Generation is a versioned snapshot of cached entries
type Generation struct {
	ID        uint64    `json:"id"`
	Version   string    `json:"version"`
	State     string    `json:"state"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type generationTable struct {
	NextID      uint64       `json:"next_id"`
	Generations []Generation `json:"generations"`
}

func (s *Store) readTable(ctx context.Context) (generationTable, error) {
	table := generationTable{NextID: 1}
	data, err := s.backend.Get(ctx, generationsKey)
	if err != nil {
		return table, err
	}
	if data == nil {
		return table, nil
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return table, errors.Wrap(err, errors.CodeDatabase, "corrupted generation table")
	}
	if table.NextID == 0 {
		table.NextID = 1
	}
	return table, nil
}

// writeTable persists s.gens; caller holds genMu
func (s *Store) writeTable(ctx context.Context) error {
	table := generationTable{NextID: s.nextID}
	for _, g := range s.gens {
		table.Generations = append(table.Generations, g)
	}
	sort.Slice(table.Generations, func(i, j int) bool { return table.Generations[i].ID < table.Generations[j].ID })

	data, err := json.Marshal(table)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode generation table")
	}
	return s.backend.Set(ctx, generationsKey, data)
}

// CreateGeneration allocates the next generation id
func (s *Store) CreateGeneration(ctx context.Context, version, state string) (Generation, error) {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	g := Generation{
		ID:        s.nextID,
		Version:   version,
		State:     state,
		CreatedAt: s.now(),
	}
	s.nextID++
	s.gens[g.ID] = g
	if err := s.writeTable(ctx); err != nil {
		delete(s.gens, g.ID)
		s.nextID--
		return Generation{}, err
	}

	logrus.WithFields(logrus.Fields{"generation": g.ID, "version": version}).Debug("Created generation")
	return g, nil
}

// SetState records the lifecycle state label of a generation
func (s *Store) SetState(ctx context.Context, id uint64, state string) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	g, ok := s.gens[id]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "generation %d does not exist", id)
	}
	prev := g
	g.State = state
	s.gens[id] = g
	if err := s.writeTable(ctx); err != nil {
		s.gens[id] = prev
		return err
	}
	return nil
}

// MarkActive flags id as the only active generation
func (s *Store) MarkActive(ctx context.Context, id uint64, state string) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	if _, ok := s.gens[id]; !ok {
		return errors.Newf(errors.CodeNotFound, "generation %d does not exist", id)
	}

	prev := make(map[uint64]Generation, len(s.gens))
	for gid, g := range s.gens {
		prev[gid] = g
		g.Active = gid == id
		if gid == id {
			g.State = state
		}
		s.gens[gid] = g
	}
	if err := s.writeTable(ctx); err != nil {
		s.gens = prev
		return err
	}
	return nil
}

// ListGenerations returns every generation ordered by id
func (s *Store) ListGenerations(ctx context.Context) ([]Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	out := make([]Generation, 0, len(s.gens))
	for _, g := range s.gens {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PurgeGeneration removes a generation and every entry in it
func (s *Store) PurgeGeneration(ctx context.Context, id uint64) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	if err := s.backend.DeletePrefix(ctx, generationPrefix(id)); err != nil {
		return err
	}

	s.mu.Lock()
	removed := s.dropGenerationIndex(id)
	s.mu.Unlock()

	g, ok := s.gens[id]
	delete(s.gens, id)
	if err := s.writeTable(ctx); err != nil {
		if ok {
			s.gens[id] = g
		}
		return err
	}

	logrus.WithFields(logrus.Fields{"generation": id, "entries": removed}).Info("Purged generation")
	return nil
}
