package evo

import (
	"fmt"
	"sync"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/message"
)

// Link is the environment's connection to its evolution service. Requests
// for new individuals flow up as events, births flow back down as commands,
// and the link pairs them first-in first-out within each population.
//
// The send function is supplied by the caller and carries events to the
// management process. It must be safe for concurrent use; everything else
// in the Link is.
type Link struct {
	send func(message.Event) error

	mu sync.Mutex
	// Outstanding birth requests per population, oldest first.
	waiting map[string][]chan *message.Birth
	// Births that arrived before anyone asked, oldest first.
	ready map[string][]*message.Birth
	// Individuals whose death has already been reported.
	dead map[string]bool
}

// NewLink wires a link over the given event sender.
func NewLink(send func(message.Event) error) *Link {
	return &Link{
		send:    send,
		waiting: make(map[string][]chan *message.Birth),
		ready:   make(map[string][]*message.Birth),
		dead:    make(map[string]bool),
	}
}

// RequestNew asks the evolution service for a fresh individual and returns
// a channel that yields the matching birth. The channel is buffered, so the
// caller may poll it or block on it.
func (l *Link) RequestNew(population string) (<-chan *message.Birth, error) {
	ch, err := l.enqueue(population)
	if err != nil {
		return nil, err
	}
	if err := l.send(message.Event{Type: message.EvNew, Population: population}); err != nil {
		l.dequeue(population, ch)
		return nil, err
	}
	return ch, nil
}

// RequestMate asks the evolution service to mate the named parents. All
// parents must belong to the same population.
func (l *Link) RequestMate(population string, parents []string) (<-chan *message.Birth, error) {
	if len(parents) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: mate request without parents", errors.ErrMalformedField),
			"evo", "RequestMate", "validate parents")
	}
	ch, err := l.enqueue(population)
	if err != nil {
		return nil, err
	}
	ev := message.Event{Type: message.EvMate, Population: population, Parents: parents}
	if err := l.send(ev); err != nil {
		l.dequeue(population, ch)
		return nil, err
	}
	return ch, nil
}

func (l *Link) enqueue(population string) (chan *message.Birth, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A birth that arrived early satisfies this request immediately.
	if queue := l.ready[population]; len(queue) > 0 {
		ch := make(chan *message.Birth, 1)
		ch <- queue[0]
		l.ready[population] = queue[1:]
		return ch, nil
	}
	ch := make(chan *message.Birth, 1)
	l.waiting[population] = append(l.waiting[population], ch)
	return ch, nil
}

func (l *Link) dequeue(population string, ch chan *message.Birth) {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.waiting[population]
	for i, w := range queue {
		if w == ch {
			l.waiting[population] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}

// Deliver hands an arriving birth to the oldest outstanding request for its
// population. Births with no outstanding request are held for the next one.
func (l *Link) Deliver(birth *message.Birth) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.dead, birth.Name)
	if queue := l.waiting[birth.Population]; len(queue) > 0 {
		queue[0] <- birth
		l.waiting[birth.Population] = queue[1:]
		return
	}
	l.ready[birth.Population] = append(l.ready[birth.Population], birth)
}

// Pending reports how many birth requests are outstanding for a population.
func (l *Link) Pending(population string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting[population])
}

// ReportScore forwards an individual's score. Later reports overwrite
// earlier ones on the receiving side.
func (l *Link) ReportScore(name string, score string) error {
	return l.send(message.Event{Type: message.EvScore, Name: name, Score: score})
}

// ReportInfo forwards an info fragment. The receiving side merges fragments
// key by key.
func (l *Link) ReportInfo(name string, info map[string]string) error {
	return l.send(message.Event{Type: message.EvInfo, Name: name, Info: info})
}

// ReportDeath announces that an individual died. Each individual dies at
// most once: a second report for the same name sends nothing and returns a
// recoverable duplicate error.
func (l *Link) ReportDeath(name string) error {
	l.mu.Lock()
	if l.dead[name] {
		l.mu.Unlock()
		return errors.WrapRecoverable(
			fmt.Errorf("%w: death of %s already reported", errors.ErrDuplicateEvent, name),
			"evo", "ReportDeath", "deduplicate")
	}
	l.dead[name] = true
	l.mu.Unlock()
	return l.send(message.Event{Type: message.EvDeath, Name: name})
}
