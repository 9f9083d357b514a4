package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ctrl-z-9000-times/npc-maker/evo"
)

// cloneGenetics is the genome policy bundled with the binary. Genome
// transforms are domain work, so it does the minimum that is always
// correct: seeds come from a file (or an empty object) and children are
// verbatim copies of their first parent. Real experiments supply their
// own evo.Genetics.
type cloneGenetics struct {
	seedPath string
}

func (g *cloneGenetics) Seed() (json.RawMessage, error) {
	if g.seedPath == "" {
		return json.RawMessage("{}"), nil
	}
	data, err := os.ReadFile(g.seedPath)
	if err != nil {
		return nil, fmt.Errorf("read seed genome: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("seed genome %s is not valid JSON", g.seedPath)
	}
	return json.RawMessage(data), nil
}

func (g *cloneGenetics) Mate(parents []*evo.Individual) (json.RawMessage, error) {
	if len(parents) == 0 {
		return g.Seed()
	}
	genome := make(json.RawMessage, len(parents[0].Genome))
	copy(genome, parents[0].Genome)
	return genome, nil
}
