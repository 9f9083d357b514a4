// Package evo implements the evolution side of the framework: individuals
// and their on-disk form, the request and reply bookkeeping between an
// environment and its evolution service, and a ready-made population
// manager with pluggable replacement strategies.
package evo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
)

// FileExtension is appended to every individual saved on disk.
const FileExtension = ".indiv"

// Individual is one evolving agent: its identity, lineage, genome and the
// telemetry reported by environments over its lifetime.
type Individual struct {
	// Name identifies the individual for its whole life.
	Name uuid.UUID `json:"name"`

	// Population this individual belongs to.
	Population string `json:"population,omitempty"`

	// Environment names the environment the individual lived in.
	Environment string `json:"environment,omitempty"`

	// Controller is the command that runs this individual's brain.
	Controller []string `json:"controller"`

	// Parents lists the individuals this one was mated from. Empty for
	// seed individuals.
	Parents []uuid.UUID `json:"parents,omitempty"`

	// Ascension is the death counter's value when this individual died.
	// Zero while it is still alive.
	Ascension uint64 `json:"ascension,omitempty"`

	// BirthDate records when the individual was created, in UTC.
	BirthDate time.Time `json:"birth_date"`

	// DeathDate is absent until the individual dies.
	DeathDate *time.Time `json:"death_date,omitempty"`

	// Score is the last reported score, verbatim. Later reports overwrite
	// earlier ones.
	Score string `json:"score,omitempty"`

	// Info accumulates reported fragments, merged key by key.
	Info map[string]string `json:"info,omitempty"`

	// Genome is the heritable data, opaque to the framework.
	Genome json.RawMessage `json:"-"`
}

// New creates a named individual with a fresh UUID.
func New(population string, controller []string, genome json.RawMessage, parents []uuid.UUID) *Individual {
	return &Individual{
		Name:       uuid.New(),
		Population: population,
		Controller: controller,
		Genome:     genome,
		Parents:    parents,
		BirthDate:  time.Now().UTC(),
	}
}

// MergeInfo folds a reported fragment into this individual's info table.
func (ind *Individual) MergeInfo(fragment map[string]string) {
	if len(fragment) == 0 {
		return
	}
	if ind.Info == nil {
		ind.Info = make(map[string]string, len(fragment))
	}
	for k, v := range fragment {
		ind.Info[k] = v
	}
}

// ScoreValue parses the reported score as a number. Individuals without a
// parseable score sort below every scored individual.
func (ind *Individual) ScoreValue() (float64, bool) {
	if ind.Score == "" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal([]byte(ind.Score), &f); err != nil {
		return 0, false
	}
	return f, true
}

// Path is the file this individual saves to under dir.
func (ind *Individual) Path(dir string) string {
	return filepath.Join(dir, ind.Name.String()+FileExtension)
}

// Save writes the individual under dir as metadata JSON, a NUL separator,
// and the raw genome. The write goes through a temporary file and a rename
// so a crash never leaves a torn individual behind.
func (ind *Individual) Save(dir string) (string, error) {
	data, err := ind.encode()
	if err != nil {
		return "", err
	}
	target := ind.Path(dir)
	tmp, err := os.CreateTemp(dir, "."+ind.Name.String()+".tmp*")
	if err != nil {
		return "", errors.Wrap(err, "evo", "Save", "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", errors.Wrap(err, "evo", "Save", "write individual")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", errors.Wrap(err, "evo", "Save", "close temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", errors.Wrap(err, "evo", "Save", "rename into place")
	}
	return target, nil
}

func (ind *Individual) encode() ([]byte, error) {
	meta, err := json.Marshal(ind)
	if err != nil {
		return nil, errors.WrapInvalid(err, "evo", "Save", "encode metadata")
	}
	data := make([]byte, 0, len(meta)+1+len(ind.Genome))
	data = append(data, meta...)
	data = append(data, 0)
	data = append(data, ind.Genome...)
	return data, nil
}

// LoadIndividual reads an individual saved by Save.
func LoadIndividual(path string) (*Individual, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "evo", "LoadIndividual", "read file")
	}
	sep := bytes.IndexByte(data, 0)
	if sep < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: individual file %q has no genome separator",
				errors.ErrMalformedField, path),
			"evo", "LoadIndividual", "split record")
	}
	var ind Individual
	if err := json.Unmarshal(data[:sep], &ind); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedField, err),
			"evo", "LoadIndividual", "decode metadata")
	}
	ind.Genome = json.RawMessage(bytes.Clone(data[sep+1:]))
	return &ind, nil
}
