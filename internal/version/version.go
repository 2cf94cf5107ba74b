// Package version rotates cache generations on install and activate signals
package version

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
	"github.com/iTrooz/offline-cache-proxy/internal/store"
)

// State of a generation
type State string

const (
	Installing State = "installing"
	Waiting    State = "waiting"
	Active     State = "active"
	Redundant  State = "redundant"
)

var transitions = map[State][]State{
	Installing: {Waiting, Redundant},
	Waiting:    {Active, Redundant},
	Active:     {Redundant},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manifest lists what a generation precaches when it is installed
type Manifest struct {
	Version string
	URLs    []string
}

// Precacher fetches a URL into a generation
type Precacher interface {
	Precache(ctx context.Context, gen uint64, rawURL string) error
}

// purgeTimeout bounds a purge triggered by the last lease release
const purgeTimeout = 30 * time.Second

// Manager is the single writer of the active generation pointer
type Manager struct {
	store *store.Store
	bus   *events.Bus

	// mu serializes lifecycle operations
	mu sync.Mutex

	// leaseMu guards everything below
	leaseMu sync.Mutex
	active  uint64
	waiting uint64
	states  map[uint64]State
	holders map[uint64]int
	// superseded generations purged once their last lease is released
	retired map[uint64]bool
}

func NewManager(s *store.Store, bus *events.Bus) *Manager {
	return &Manager{
		store:   s,
		bus:     bus,
		states:  map[uint64]State{},
		holders: map[uint64]int{},
		retired: map[uint64]bool{},
	}
}

// Init restores the active generation. Without one, the manifest is installed
// and activated; with an older manifest version, the new one is installed and left waiting.
// Other leftover generations are purged.
func (m *Manager) Init(ctx context.Context, manifest Manifest, precacher Precacher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gens, err := m.store.ListGenerations(ctx)
	if err != nil {
		return err
	}

	var current *store.Generation
	for i := range gens {
		if gens[i].Active {
			current = &gens[i]
		}
	}

	for _, g := range gens {
		if current != nil && g.ID == current.ID {
			continue
		}
		logrus.WithFields(logrus.Fields{"generation": g.ID, "state": g.State}).Info("Purging leftover generation")
		if err := m.store.PurgeGeneration(ctx, g.ID); err != nil {
			return err
		}
	}

	if current != nil {
		m.leaseMu.Lock()
		m.active = current.ID
		m.states[current.ID] = Active
		m.leaseMu.Unlock()
		metrics.ActiveGeneration.Set(float64(current.ID))
		logrus.WithFields(logrus.Fields{"generation": current.ID, "version": current.Version}).Info("Restored active generation")

		if current.Version == manifest.Version {
			return nil
		}
	}

	_, err = m.installLocked(ctx, manifest, precacher)
	return err
}

// Install creates a generation and precaches the manifest into it. The new
// generation waits for activation when another one is active, otherwise it is activated.
func (m *Manager) Install(ctx context.Context, manifest Manifest, precacher Precacher) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installLocked(ctx, manifest, precacher)
}

func (m *Manager) installLocked(ctx context.Context, manifest Manifest, precacher Precacher) (uint64, error) {
	gen, err := m.store.CreateGeneration(ctx, manifest.Version, string(Installing))
	if err != nil {
		return 0, err
	}
	m.setState(gen.ID, Installing)

	log := logrus.WithFields(logrus.Fields{"generation": gen.ID, "version": manifest.Version})
	log.Infof("Installing generation (%d precache URLs)", len(manifest.URLs))

	for _, u := range manifest.URLs {
		if err := precacher.Precache(ctx, gen.ID, u); err != nil {
			log.WithError(err).Errorf("Precaching %s failed, discarding generation", u)
			m.retire(ctx, gen.ID)
			return 0, errors.Wrapf(err, errors.GetCode(err), "install of generation %d failed", gen.ID)
		}
	}

	if err := m.transition(ctx, gen.ID, Waiting); err != nil {
		return 0, err
	}

	m.leaseMu.Lock()
	previous := m.waiting
	m.waiting = gen.ID
	hasActive := m.active != 0
	m.leaseMu.Unlock()

	if previous != 0 {
		log.Infof("Replacing waiting generation %d", previous)
		m.retire(ctx, previous)
	}

	if !hasActive {
		if err := m.activateLocked(ctx); err != nil {
			return 0, err
		}
		return gen.ID, nil
	}

	log.Info("Generation installed and waiting for activation")
	return gen.ID, nil
}

// Activate promotes the waiting generation. The superseded generation is kept
// until its last lease is released; every other generation is purged.
func (m *Manager) Activate(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.activateLocked(ctx); err != nil {
		return 0, err
	}
	return m.Active(), nil
}

func (m *Manager) activateLocked(ctx context.Context) error {
	m.leaseMu.Lock()
	next := m.waiting
	m.leaseMu.Unlock()
	if next == 0 {
		return errors.New(cacheerr.CodeInvalidTransition, "no waiting generation to activate")
	}

	if !canTransition(m.State(next), Active) {
		return cacheerr.InvalidTransition(next, string(m.State(next)), string(Active))
	}
	if err := m.store.MarkActive(ctx, next, string(Active)); err != nil {
		return err
	}

	m.leaseMu.Lock()
	old := m.active
	m.active = next
	m.waiting = 0
	m.states[next] = Active
	purgeOld := false
	if old != 0 {
		m.states[old] = Redundant
		if m.holders[old] == 0 {
			purgeOld = true
		} else {
			m.retired[old] = true
		}
	}
	m.leaseMu.Unlock()

	metrics.ActiveGeneration.Set(float64(next))
	logrus.WithFields(logrus.Fields{"generation": next, "superseded": old}).Info("Activated generation")
	m.bus.Publish(events.GenerationActivated, strconv.FormatUint(next, 10))

	if old != 0 {
		if err := m.store.SetState(ctx, old, string(Redundant)); err != nil {
			logrus.WithError(err).Warnf("Failed to record generation %d as redundant", old)
		}
	}

	gens, err := m.store.ListGenerations(ctx)
	if err != nil {
		return err
	}
	for _, g := range gens {
		if g.ID == next || g.ID == old {
			continue
		}
		if m.deferPurge(g.ID) {
			continue
		}
		if err := m.store.PurgeGeneration(ctx, g.ID); err != nil {
			return err
		}
		m.forget(g.ID)
	}

	if purgeOld {
		m.purge(ctx, old)
	}
	return nil
}

// transition validates and persists a state change
func (m *Manager) transition(ctx context.Context, id uint64, to State) error {
	from := m.State(id)
	if !canTransition(from, to) {
		return cacheerr.InvalidTransition(id, string(from), string(to))
	}
	if err := m.store.SetState(ctx, id, string(to)); err != nil {
		return err
	}
	m.setState(id, to)
	return nil
}

// retire marks a never-activated generation redundant and purges it
func (m *Manager) retire(ctx context.Context, id uint64) {
	m.setState(id, Redundant)
	m.purge(ctx, id)
}

// deferPurge leaves a leased generation to its last Release
func (m *Manager) deferPurge(id uint64) bool {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	if m.holders[id] == 0 {
		return false
	}
	m.states[id] = Redundant
	m.retired[id] = true
	return true
}

func (m *Manager) purge(ctx context.Context, id uint64) {
	if err := m.store.PurgeGeneration(ctx, id); err != nil {
		logrus.WithError(err).Errorf("Failed to purge generation %d", id)
		return
	}
	m.forget(id)
}

func (m *Manager) forget(id uint64) {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	delete(m.states, id)
	delete(m.holders, id)
	delete(m.retired, id)
}

func (m *Manager) setState(id uint64, s State) {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	m.states[id] = s
}

// State of generation id, empty when unknown
func (m *Manager) State(id uint64) State {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	return m.states[id]
}

// Active returns the id of the active generation, 0 before Init
func (m *Manager) Active() uint64 {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	return m.active
}

// Waiting returns the id of the generation waiting for activation, 0 if none
func (m *Manager) Waiting() uint64 {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	return m.waiting
}
