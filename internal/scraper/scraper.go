// Package scraper runs adaptive scrape loops. A run is a small state machine
// that repeats search, save and move until the scraper reports it should stop.
package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/geoscrape/internal/metrics"
)

// State is the lifecycle position of a scraper run.
type State int

const (
	// StateIdle means the run has not started.
	StateIdle State = iota
	// StateRunning means cycles are in progress.
	StateRunning
	// StateComplete means the stop condition was reached.
	StateComplete
	// StateFailed means a cycle returned an error the scraper would not absorb.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind names a scraper variant.
type Kind string

const (
	// KindGeo identifies GeoScraper.
	KindGeo Kind = "geo"
	// KindList identifies ListScraper.
	KindList Kind = "list"
)

// ErrAlreadyRun is returned when Run is called on a scraper that left StateIdle.
var ErrAlreadyRun = errors.New("scraper: run already started")

// Record is one scraped row.
type Record = map[string]any

// Scraper is implemented by GeoScraper and ListScraper only.
type Scraper interface {
	Kind() Kind
	State() State
	Search(ctx context.Context) error
	Save(ctx context.Context) error
	Move(ctx context.Context) error
	Stop() bool

	begin(ctx context.Context) error
	settle(err error) error
	setState(State)
}

// Run drives s until Stop reports true, the context ends, or a cycle fails.
func Run(ctx context.Context, s Scraper) (err error) {
	if s.State() != StateIdle {
		return ErrAlreadyRun
	}
	s.setState(StateRunning)
	defer func() {
		if err != nil {
			s.setState(StateFailed)
		} else {
			s.setState(StateComplete)
		}
		metrics.ObserveRun(string(s.Kind()), s.State().String())
	}()

	if err := s.begin(ctx); err != nil {
		return fmt.Errorf("start %s scraper: %w", s.Kind(), err)
	}
	for !s.Stop() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s scraper interrupted: %w", s.Kind(), err)
		}
		if err := s.settle(cycle(ctx, s)); err != nil {
			return err
		}
		if s.Stop() {
			break
		}
		if err := s.Move(ctx); err != nil {
			return fmt.Errorf("%s scraper move: %w", s.Kind(), err)
		}
	}
	return nil
}

func cycle(ctx context.Context, s Scraper) error {
	if err := s.Search(ctx); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := s.Save(ctx); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// lifecycle stores the state shared by every variant.
type lifecycle struct {
	state State
}

func (l *lifecycle) State() State       { return l.state }
func (l *lifecycle) setState(st State) { l.state = st }
