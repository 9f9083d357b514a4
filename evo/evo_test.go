package evo

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/message"
)

func TestIndividualSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ind := New("critters", []string{"./brain", "--fast"},
		json.RawMessage(`{"weights": [1, 2, 3]}`), []uuid.UUID{uuid.New()})
	ind.Score = "-3.7"
	ind.MergeInfo(map[string]string{"age": "12"})
	ind.Ascension = 41
	died := time.Now().UTC()
	ind.DeathDate = &died

	path, err := ind.Save(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ind.Name.String()+FileExtension), path)

	loaded, err := LoadIndividual(path)
	require.NoError(t, err)
	assert.Equal(t, ind.Name, loaded.Name)
	assert.Equal(t, ind.Population, loaded.Population)
	assert.Equal(t, ind.Controller, loaded.Controller)
	assert.Equal(t, ind.Parents, loaded.Parents)
	assert.Equal(t, ind.Score, loaded.Score)
	assert.Equal(t, ind.Info, loaded.Info)
	assert.Equal(t, uint64(41), loaded.Ascension)
	assert.True(t, loaded.BirthDate.Equal(ind.BirthDate))
	require.NotNil(t, loaded.DeathDate)
	assert.True(t, loaded.DeathDate.Equal(*ind.DeathDate))
	assert.JSONEq(t, string(ind.Genome), string(loaded.Genome))
}

func TestIndividualGenomeWithNULBytes(t *testing.T) {
	// Only the first NUL separates metadata from genome.
	dir := t.TempDir()
	ind := New("p", nil, json.RawMessage("\"a\x00b\""), nil)
	path, err := ind.Save(dir)
	require.NoError(t, err)
	loaded, err := LoadIndividual(path)
	require.NoError(t, err)
	assert.Equal(t, []byte(ind.Genome), []byte(loaded.Genome))
}

func TestScoreValue(t *testing.T) {
	ind := &Individual{}
	_, ok := ind.ScoreValue()
	assert.False(t, ok)
	ind.Score = "-12.5"
	v, ok := ind.ScoreValue()
	require.True(t, ok)
	assert.Equal(t, -12.5, v)
	ind.Score = "excellent"
	_, ok = ind.ScoreValue()
	assert.False(t, ok)
}

func collectingLink() (*Link, *[]message.Event) {
	var sent []message.Event
	link := NewLink(func(ev message.Event) error {
		sent = append(sent, ev)
		return nil
	})
	return link, &sent
}

func TestLinkMatchesBirthsInRequestOrder(t *testing.T) {
	link, sent := collectingLink()

	first, err := link.RequestNew("critters")
	require.NoError(t, err)
	second, err := link.RequestMate("critters", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, *sent, 2)
	assert.Equal(t, message.EvNew, (*sent)[0].Type)
	assert.Equal(t, message.EvMate, (*sent)[1].Type)
	assert.Equal(t, 2, link.Pending("critters"))

	link.Deliver(&message.Birth{Population: "critters", Name: "one"})
	link.Deliver(&message.Birth{Population: "critters", Name: "two"})

	assert.Equal(t, "one", (<-first).Name)
	assert.Equal(t, "two", (<-second).Name)
	assert.Equal(t, 0, link.Pending("critters"))
}

func TestLinkQueuesPerPopulation(t *testing.T) {
	link, _ := collectingLink()

	critter, err := link.RequestNew("critters")
	require.NoError(t, err)
	plant, err := link.RequestNew("plants")
	require.NoError(t, err)

	// Populations do not share a queue.
	link.Deliver(&message.Birth{Population: "plants", Name: "fern"})
	assert.Equal(t, "fern", (<-plant).Name)
	assert.Equal(t, 1, link.Pending("critters"))

	link.Deliver(&message.Birth{Population: "critters", Name: "vole"})
	assert.Equal(t, "vole", (<-critter).Name)
}

func TestLinkHoldsEarlyBirths(t *testing.T) {
	link, _ := collectingLink()
	link.Deliver(&message.Birth{Population: "critters", Name: "early"})

	ch, err := link.RequestNew("critters")
	require.NoError(t, err)
	assert.Equal(t, "early", (<-ch).Name)
}

func TestLinkReportsDeathOnce(t *testing.T) {
	link, sent := collectingLink()

	require.NoError(t, link.ReportDeath("xyz"))
	err := link.ReportDeath("xyz")
	require.Error(t, err)
	assert.True(t, errors.IsRecoverable(err))
	require.Len(t, *sent, 1)
	assert.Equal(t, message.EvDeath, (*sent)[0].Type)

	// Rebirth under the same name arms the death report again.
	link.Deliver(&message.Birth{Population: "p", Name: "xyz"})
	require.NoError(t, link.ReportDeath("xyz"))
	assert.Len(t, *sent, 2)
}

func TestLinkRequestFailureLeavesNoWaiter(t *testing.T) {
	link := NewLink(func(message.Event) error {
		return fmt.Errorf("pipe closed")
	})
	_, err := link.RequestNew("critters")
	require.Error(t, err)
	assert.Equal(t, 0, link.Pending("critters"))
}

// countingGenetics issues numbered genomes so tests can tell lineages apart.
type countingGenetics struct {
	seeds, mates int
}

func (g *countingGenetics) Seed() (json.RawMessage, error) {
	g.seeds++
	return json.RawMessage(fmt.Sprintf(`{"seed": %d}`, g.seeds)), nil
}

func (g *countingGenetics) Mate(parents []*Individual) (json.RawMessage, error) {
	g.mates++
	return json.RawMessage(fmt.Sprintf(`{"child_of": %d}`, len(parents))), nil
}

func newTestEvolution(t *testing.T, cfg EvolutionConfig) (*Evolution, *countingGenetics) {
	t.Helper()
	if cfg.Population == "" {
		cfg.Population = "critters"
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	genetics := &countingGenetics{}
	evolution, err := NewEvolution(cfg, genetics)
	require.NoError(t, err)
	return evolution, genetics
}

func TestEvolutionSeedsEmptyPopulation(t *testing.T) {
	evolution, genetics := newTestEvolution(t, EvolutionConfig{
		Controller: []string{"./brain"},
	})

	ind, err := evolution.Birth("critters", nil)
	require.NoError(t, err)
	assert.Empty(t, ind.Parents)
	assert.Equal(t, []string{"./brain"}, ind.Controller)
	assert.Equal(t, 1, genetics.seeds)

	// The default population name also resolves.
	_, err = evolution.Birth("", nil)
	require.NoError(t, err)
	_, err = evolution.Birth("rocks", nil)
	assert.Error(t, err)
}

func TestEvolutionMatesFromBreedingStock(t *testing.T) {
	evolution, genetics := newTestEvolution(t, EvolutionConfig{NumParents: 2})

	a, err := evolution.Birth("", nil)
	require.NoError(t, err)
	b, err := evolution.Birth("", nil)
	require.NoError(t, err)
	require.NoError(t, evolution.Death(a.Name))
	require.NoError(t, evolution.Death(b.Name))

	child, err := evolution.Birth("", nil)
	require.NoError(t, err)
	assert.Len(t, child.Parents, 2)
	assert.Equal(t, 1, genetics.mates)

	// Explicit parents are honored.
	child, err = evolution.Birth("", []uuid.UUID{a.Name})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.Name}, child.Parents)

	_, err = evolution.Birth("", []uuid.UUID{uuid.New()})
	assert.Error(t, err, "unknown parent")
}

func TestEvolutionAssignsAscensionAtDeath(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{})

	a, _ := evolution.Birth("", nil)
	b, _ := evolution.Birth("", nil)
	require.NoError(t, evolution.Death(a.Name))
	require.NoError(t, evolution.Death(b.Name))
	assert.Equal(t, uint64(1), a.Ascension)
	assert.Equal(t, uint64(2), b.Ascension)
	assert.Equal(t, uint64(2), evolution.Ascension())

	err := evolution.Death(a.Name)
	require.Error(t, err)
	assert.True(t, errors.IsRecoverable(err), "second death is a duplicate, not a failure")
	assert.Equal(t, uint64(2), evolution.Ascension())
}

func TestEvolutionScoreAndInfoMerge(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{})

	ind, _ := evolution.Birth("", nil)
	require.NoError(t, evolution.Score(ind.Name, "1.5"))
	require.NoError(t, evolution.Score(ind.Name, "2.5"))
	require.NoError(t, evolution.Info(ind.Name, map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, evolution.Info(ind.Name, map[string]string{"b": "3"}))

	assert.Equal(t, "2.5", ind.Score, "later score overwrites")
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, ind.Info)

	// Telemetry about unknown individuals is dropped silently.
	assert.NoError(t, evolution.Score(uuid.New(), "9"))
	assert.NoError(t, evolution.Info(uuid.New(), map[string]string{"x": "y"}))
}

func dieWithScore(t *testing.T, evolution *Evolution, score string) *Individual {
	t.Helper()
	ind, err := evolution.Birth("", nil)
	require.NoError(t, err)
	if score != "" {
		require.NoError(t, evolution.Score(ind.Name, score))
	}
	require.NoError(t, evolution.Death(ind.Name))
	return ind
}

func TestReplaceWorstEvictsLowestScore(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{
		Replacement: ReplaceWorst,
		Size:        2,
	})

	dieWithScore(t, evolution, "1")
	best := dieWithScore(t, evolution, "10")
	better := dieWithScore(t, evolution, "5")

	population := evolution.Population()
	require.Len(t, population, 2)
	assert.ElementsMatch(t, []uuid.UUID{best.Name, better.Name}, namesOf(population))

	// A newborn worse than everyone never enters.
	loser := dieWithScore(t, evolution, "0.5")
	population = evolution.Population()
	assert.NotContains(t, namesOf(population), loser.Name)
}

func TestReplaceOldestEvictsLowestAscension(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{
		Replacement: ReplaceOldest,
		Size:        2,
	})

	first := dieWithScore(t, evolution, "")
	dieWithScore(t, evolution, "")
	dieWithScore(t, evolution, "")
	assert.NotContains(t, namesOf(evolution.Population()), first.Name)
}

func TestReplaceGenerationRollsOver(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{
		Replacement: ReplaceGeneration,
		Size:        3,
	})

	var gen []*Individual
	for i := 0; i < 2; i++ {
		gen = append(gen, dieWithScore(t, evolution, ""))
		assert.Empty(t, evolution.Population(), "no rollover until the generation fills")
	}
	gen = append(gen, dieWithScore(t, evolution, ""))
	assert.ElementsMatch(t, namesOf(gen), namesOf(evolution.Population()))
}

func TestLeaderboardKeepsBestDeadFirst(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{
		LeaderboardSize: 2,
	})

	dieWithScore(t, evolution, "1")
	best := dieWithScore(t, evolution, "100")
	middle := dieWithScore(t, evolution, "50")
	dieWithScore(t, evolution, "")

	leaders := evolution.Leaderboard()
	require.Len(t, leaders, 2)
	assert.Equal(t, best.Name, leaders[0].Name)
	assert.Equal(t, middle.Name, leaders[1].Name)
}

func TestLifetimeTimestamps(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{})

	ind, err := evolution.Birth("", nil)
	require.NoError(t, err)
	assert.False(t, ind.BirthDate.IsZero())
	assert.Equal(t, time.UTC, ind.BirthDate.Location())
	assert.Nil(t, ind.DeathDate, "death date is absent until death")

	require.NoError(t, evolution.Death(ind.Name))
	require.NotNil(t, ind.DeathDate)
	assert.False(t, ind.DeathDate.Before(ind.BirthDate))
}

func TestHallOfFameCollectsGenerationWinners(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{
		Size:           2,
		HallOfFameSize: 1,
	})

	// Two full generations of two deaths each.
	dieWithScore(t, evolution, "5")
	firstWinner := dieWithScore(t, evolution, "9")
	dieWithScore(t, evolution, "3")
	secondWinner := dieWithScore(t, evolution, "100")

	fame := evolution.HallOfFame()
	require.Len(t, fame, 2)
	assert.Equal(t, firstWinner.Name, fame[0].Name, "oldest generation first")
	assert.Equal(t, secondWinner.Name, fame[1].Name)

	// A death that has not completed a generation stays out of the hall.
	dieWithScore(t, evolution, "1000")
	assert.Len(t, evolution.HallOfFame(), 2)
}

func TestHallOfFamePersistsAndResumes(t *testing.T) {
	dir := t.TempDir()
	evolution, _ := newTestEvolution(t, EvolutionConfig{
		Size:           2,
		HallOfFameSize: 1,
		Dir:            dir,
	})
	dieWithScore(t, evolution, "1")
	winner := dieWithScore(t, evolution, "7")
	pending := dieWithScore(t, evolution, "3")

	resumed, _ := newTestEvolution(t, EvolutionConfig{
		Size:           2,
		HallOfFameSize: 1,
		Dir:            dir,
	})
	require.NoError(t, resumed.Resume())

	fame := resumed.HallOfFame()
	require.Len(t, fame, 1)
	assert.Equal(t, winner.Name, fame[0].Name)

	// The unfinished generation carries over and completes after resume.
	dieWithScore(t, resumed, "2")
	fame = resumed.HallOfFame()
	require.Len(t, fame, 2)
	assert.Equal(t, pending.Name, fame[1].Name)
}

func TestEvolutionPersistsAndResumes(t *testing.T) {
	dir := t.TempDir()
	cfg := EvolutionConfig{
		Population:      "critters",
		Dir:             dir,
		LeaderboardSize: 4,
		Seed:            1,
	}
	evolution, _ := newTestEvolution(t, cfg)
	a := dieWithScore(t, evolution, "3")
	b := dieWithScore(t, evolution, "7")

	resumed, _ := newTestEvolution(t, cfg)
	require.NoError(t, resumed.Resume())
	assert.Equal(t, uint64(2), resumed.Ascension())
	assert.ElementsMatch(t, []uuid.UUID{a.Name, b.Name}, namesOf(resumed.Population()))

	leaders := resumed.Leaderboard()
	require.Len(t, leaders, 2)
	assert.Equal(t, b.Name, leaders[0].Name)
}

func TestResumeWithoutStateIsClean(t *testing.T) {
	evolution, _ := newTestEvolution(t, EvolutionConfig{Dir: t.TempDir()})
	require.NoError(t, evolution.Resume())
	assert.Empty(t, evolution.Population())
}
