package evo

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
)

// Service is the evolution algorithm as seen from the framework: it hands
// out new individuals and absorbs the telemetry environments report back.
//
// Score and Info reports about unknown individuals are dropped; a Death
// report about an unknown or already dead individual is a recoverable
// duplicate error.
type Service interface {
	Birth(population string, parents []uuid.UUID) (*Individual, error)
	Score(name uuid.UUID, score string) error
	Info(name uuid.UUID, info map[string]string) error
	Death(name uuid.UUID) error
}

// Genetics supplies the domain-specific genetic operators: seed genomes for
// an empty population and offspring genomes from parents.
type Genetics interface {
	Seed() (json.RawMessage, error)
	Mate(parents []*Individual) (json.RawMessage, error)
}

// Replacement selects how a bounded population makes room for newborns.
type Replacement int

const (
	// ReplaceUnbounded never evicts. The population grows without limit.
	ReplaceUnbounded Replacement = iota
	// ReplaceRandom evicts a uniformly random member when full.
	ReplaceRandom
	// ReplaceOldest evicts the member with the lowest ascension when full.
	ReplaceOldest
	// ReplaceWorst evicts the lowest scoring member when full.
	ReplaceWorst
	// ReplaceGeneration collects newborns apart from the breeding
	// population and replaces it wholesale once a full generation has
	// accumulated.
	ReplaceGeneration
)

func (r Replacement) String() string {
	switch r {
	case ReplaceUnbounded:
		return "Unbounded"
	case ReplaceRandom:
		return "Random"
	case ReplaceOldest:
		return "Oldest"
	case ReplaceWorst:
		return "Worst"
	case ReplaceGeneration:
		return "Generation"
	default:
		return "Unknown"
	}
}

// EvolutionConfig configures one managed population.
type EvolutionConfig struct {
	// Population name, matched against birth requests.
	Population string

	// Controller command given to every individual born here.
	Controller []string

	// Replacement strategy and the population size it enforces. The size
	// is ignored for ReplaceUnbounded.
	Replacement Replacement
	Size        int

	// NumParents drawn for a birth with no explicit parents.
	NumParents int

	// Dir persists dead individuals and population state. Empty disables
	// persistence.
	Dir string

	// LeaderboardSize keeps the top scorers among the dead. Zero disables
	// the leaderboard.
	LeaderboardSize int

	// HallOfFameSize keeps the top scorers of each generation, a batch of
	// Size deaths. Zero disables the hall of fame; it also needs a
	// positive Size to delimit generations.
	HallOfFameSize int

	// Seed for the parent-selection generator. Zero picks a random seed.
	Seed int64
}

// Evolution is a self-contained evolution service managing one population.
// It breeds with a Genetics implementation, tracks the living, assigns
// ascension numbers at death, and keeps a leaderboard of the best dead.
type Evolution struct {
	cfg      EvolutionConfig
	genetics Genetics

	mu        sync.Mutex
	rng       *rand.Rand
	alive     map[uuid.UUID]*Individual
	breeding  []*Individual
	nextGen   []*Individual
	ascension uint64
	leaders   []*Individual
	// fame holds each generation's winners, oldest first; famePending is
	// the current generation's dead, not yet rolled over.
	fame        []*Individual
	famePending []*Individual
}

// NewEvolution builds a population manager. The persistence directory is
// created if it is set and missing.
func NewEvolution(cfg EvolutionConfig, genetics Genetics) (*Evolution, error) {
	if cfg.Population == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: population name", errors.ErrMissingConfig),
			"evo", "NewEvolution", "validate config")
	}
	if cfg.Replacement != ReplaceUnbounded && cfg.Size <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s replacement needs a positive size",
				errors.ErrInvalidConfig, cfg.Replacement),
			"evo", "NewEvolution", "validate config")
	}
	if cfg.NumParents <= 0 {
		cfg.NumParents = 2
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "evo", "NewEvolution", "create directory")
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Evolution{
		cfg:      cfg,
		genetics: genetics,
		rng:      rand.New(rand.NewSource(seed)),
		alive:    make(map[uuid.UUID]*Individual),
	}, nil
}

// Birth creates a new individual. With no parents given, parents are drawn
// at random from the breeding population; an empty population is seeded
// instead of mated.
func (e *Evolution) Birth(population string, parents []uuid.UUID) (*Individual, error) {
	if population != "" && population != e.cfg.Population {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no such population %q", errors.ErrMalformedField, population),
			"evo", "Birth", "match population")
	}

	e.mu.Lock()
	chosen, err := e.chooseParentsLocked(parents)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var genome json.RawMessage
	if len(chosen) == 0 {
		genome, err = e.genetics.Seed()
	} else {
		genome, err = e.genetics.Mate(chosen)
	}
	if err != nil {
		return nil, errors.Wrap(err, "evo", "Birth", "produce genome")
	}

	names := make([]uuid.UUID, len(chosen))
	for i, p := range chosen {
		names[i] = p.Name
	}
	ind := New(e.cfg.Population, e.cfg.Controller, genome, names)

	e.mu.Lock()
	e.alive[ind.Name] = ind
	e.mu.Unlock()
	return ind, nil
}

func (e *Evolution) chooseParentsLocked(requested []uuid.UUID) ([]*Individual, error) {
	if len(requested) > 0 {
		chosen := make([]*Individual, 0, len(requested))
		for _, name := range requested {
			parent, ok := e.findLocked(name)
			if !ok {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: unknown parent %s", errors.ErrMalformedField, name),
					"evo", "Birth", "resolve parents")
			}
			chosen = append(chosen, parent)
		}
		return chosen, nil
	}
	if len(e.breeding) == 0 {
		return nil, nil
	}
	n := e.cfg.NumParents
	if n > len(e.breeding) {
		n = len(e.breeding)
	}
	chosen := make([]*Individual, n)
	for i, j := range e.rng.Perm(len(e.breeding))[:n] {
		chosen[i] = e.breeding[j]
	}
	return chosen, nil
}

// findLocked resolves a parent among the living and the breeding stock.
// Under generation replacement the breeding stock is the previous
// generation, whose members are already dead.
func (e *Evolution) findLocked(name uuid.UUID) (*Individual, bool) {
	if ind, ok := e.alive[name]; ok {
		return ind, true
	}
	for _, ind := range e.breeding {
		if ind.Name == name {
			return ind, true
		}
	}
	return nil, false
}

// Score records a reported score, overwriting any earlier one.
func (e *Evolution) Score(name uuid.UUID, score string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ind, ok := e.alive[name]; ok {
		ind.Score = score
	}
	return nil
}

// Info merges a reported info fragment into the individual's record.
func (e *Evolution) Info(name uuid.UUID, info map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ind, ok := e.alive[name]; ok {
		ind.MergeInfo(info)
	}
	return nil
}

// Death retires an individual: it receives the next ascension number,
// enters the breeding population under the configured replacement strategy,
// joins the leaderboard if it scored well enough, and is persisted.
func (e *Evolution) Death(name uuid.UUID) error {
	e.mu.Lock()
	ind, ok := e.alive[name]
	if !ok {
		e.mu.Unlock()
		return errors.WrapRecoverable(
			fmt.Errorf("%w: death of unknown individual %s", errors.ErrDuplicateEvent, name),
			"evo", "Death", "deduplicate")
	}
	delete(e.alive, name)
	e.ascension++
	ind.Ascension = e.ascension
	died := time.Now().UTC()
	ind.DeathDate = &died
	e.admitLocked(ind)
	e.rankLocked(ind)
	e.fameLocked(ind)
	e.mu.Unlock()

	if e.cfg.Dir != "" {
		if _, err := ind.Save(e.cfg.Dir); err != nil {
			return err
		}
		return e.saveState()
	}
	return nil
}

func (e *Evolution) admitLocked(ind *Individual) {
	switch e.cfg.Replacement {
	case ReplaceUnbounded:
		e.breeding = append(e.breeding, ind)
	case ReplaceRandom:
		if len(e.breeding) < e.cfg.Size {
			e.breeding = append(e.breeding, ind)
		} else {
			e.breeding[e.rng.Intn(len(e.breeding))] = ind
		}
	case ReplaceOldest:
		if len(e.breeding) < e.cfg.Size {
			e.breeding = append(e.breeding, ind)
			return
		}
		oldest := 0
		for i, member := range e.breeding {
			if member.Ascension < e.breeding[oldest].Ascension {
				oldest = i
			}
		}
		e.breeding[oldest] = ind
	case ReplaceWorst:
		if len(e.breeding) < e.cfg.Size {
			e.breeding = append(e.breeding, ind)
			return
		}
		worst := 0
		for i, member := range e.breeding {
			if scoreLess(member, e.breeding[worst]) {
				worst = i
			}
		}
		// The newborn itself may be the worst, in which case it never
		// enters the population.
		if scoreLess(ind, e.breeding[worst]) {
			return
		}
		e.breeding[worst] = ind
	case ReplaceGeneration:
		e.nextGen = append(e.nextGen, ind)
		if len(e.nextGen) >= e.cfg.Size {
			e.breeding = e.nextGen
			e.nextGen = nil
		}
	}
}

func (e *Evolution) rankLocked(ind *Individual) {
	if e.cfg.LeaderboardSize <= 0 {
		return
	}
	if _, ok := ind.ScoreValue(); !ok {
		return
	}
	e.leaders = append(e.leaders, ind)
	sort.SliceStable(e.leaders, func(i, j int) bool {
		return scoreLess(e.leaders[j], e.leaders[i])
	})
	if len(e.leaders) > e.cfg.LeaderboardSize {
		e.leaders = e.leaders[:e.cfg.LeaderboardSize]
	}
}

// fameLocked stages a dead individual for the hall of fame. Every batch
// of Size deaths counts as one generation; when a batch completes, its
// top HallOfFameSize scorers enter the hall in ascension order, so the
// hall reads oldest generation first.
func (e *Evolution) fameLocked(ind *Individual) {
	if e.cfg.HallOfFameSize <= 0 || e.cfg.Size <= 0 {
		return
	}
	e.famePending = append(e.famePending, ind)
	if len(e.famePending) < e.cfg.Size {
		return
	}
	batch := e.famePending
	e.famePending = nil
	sort.SliceStable(batch, func(i, j int) bool {
		return scoreLess(batch[j], batch[i])
	})
	n := e.cfg.HallOfFameSize
	if n > len(batch) {
		n = len(batch)
	}
	winners := append([]*Individual(nil), batch[:n]...)
	sort.Slice(winners, func(i, j int) bool {
		return winners[i].Ascension < winners[j].Ascension
	})
	e.fame = append(e.fame, winners...)
}

// scoreLess orders individuals by score. Unscored individuals rank below
// every scored one; ties break toward the lower ascension.
func scoreLess(a, b *Individual) bool {
	av, aok := a.ScoreValue()
	bv, bok := b.ScoreValue()
	if aok != bok {
		return !aok
	}
	if av != bv {
		return av < bv
	}
	return a.Ascension < b.Ascension
}

// Leaderboard returns the best dead individuals, best first.
func (e *Evolution) Leaderboard() []*Individual {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Individual, len(e.leaders))
	copy(out, e.leaders)
	return out
}

// HallOfFame returns each generation's winners, oldest generation first.
func (e *Evolution) HallOfFame() []*Individual {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Individual, len(e.fame))
	copy(out, e.fame)
	return out
}

// Population returns the current breeding population.
func (e *Evolution) Population() []*Individual {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Individual, len(e.breeding))
	copy(out, e.breeding)
	return out
}

// Ascension returns the running death counter.
func (e *Evolution) Ascension() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ascension
}

// populationState is the persisted shape of the manager's bookkeeping. The
// individuals themselves live in their own files.
type populationState struct {
	Population  string      `json:"population"`
	Ascension   uint64      `json:"ascension"`
	Breeding    []uuid.UUID `json:"breeding"`
	NextGen     []uuid.UUID `json:"next_generation,omitempty"`
	Leaders     []uuid.UUID `json:"leaderboard,omitempty"`
	Fame        []uuid.UUID `json:"hall_of_fame,omitempty"`
	FamePending []uuid.UUID `json:"fame_pending,omitempty"`
}

const stateFile = "population.json"

func (e *Evolution) saveState() error {
	e.mu.Lock()
	state := populationState{
		Population:  e.cfg.Population,
		Ascension:   e.ascension,
		Breeding:    namesOf(e.breeding),
		NextGen:     namesOf(e.nextGen),
		Leaders:     namesOf(e.leaders),
		Fame:        namesOf(e.fame),
		FamePending: namesOf(e.famePending),
	}
	e.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "evo", "saveState", "encode state")
	}
	tmp := filepath.Join(e.cfg.Dir, "."+stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "evo", "saveState", "write state")
	}
	if err := os.Rename(tmp, filepath.Join(e.cfg.Dir, stateFile)); err != nil {
		return errors.Wrap(err, "evo", "saveState", "rename state")
	}
	return nil
}

// Resume restores the manager's bookkeeping and breeding population from a
// persistence directory written by an earlier run.
func (e *Evolution) Resume() error {
	if e.cfg.Dir == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: persistence directory", errors.ErrMissingConfig),
			"evo", "Resume", "validate config")
	}
	data, err := os.ReadFile(filepath.Join(e.cfg.Dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "evo", "Resume", "read state")
	}
	var state populationState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedField, err),
			"evo", "Resume", "decode state")
	}

	load := func(names []uuid.UUID) ([]*Individual, error) {
		members := make([]*Individual, 0, len(names))
		for _, name := range names {
			ind, err := LoadIndividual(filepath.Join(e.cfg.Dir, name.String()+FileExtension))
			if err != nil {
				return nil, err
			}
			members = append(members, ind)
		}
		return members, nil
	}
	breeding, err := load(state.Breeding)
	if err != nil {
		return err
	}
	nextGen, err := load(state.NextGen)
	if err != nil {
		return err
	}
	leaders, err := load(state.Leaders)
	if err != nil {
		return err
	}
	fame, err := load(state.Fame)
	if err != nil {
		return err
	}
	famePending, err := load(state.FamePending)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.ascension = state.Ascension
	e.breeding = breeding
	e.nextGen = nextGen
	e.leaders = leaders
	e.fame = fame
	e.famePending = famePending
	e.mu.Unlock()
	return nil
}

func namesOf(members []*Individual) []uuid.UUID {
	names := make([]uuid.UUID, len(members))
	for i, ind := range members {
		names[i] = ind.Name
	}
	return names
}
