package model

import "fmt"

// Kind tags the concrete variant of an entity. The controller dispatches on
// this tag once when expanding entities into jobs.
type Kind string

// Entity kind constants.
const (
	KindRun      Kind = "run"
	KindEnsemble Kind = "ensemble"
	KindExchange Kind = "exchange"
)

// Entity is a user-defined unit of work or service: a single run, an
// ensemble of runs, or the shared data-exchange service. Identity (the name)
// is immutable once created; run configuration stays mutable until submitted.
type Entity interface {
	EntityName() string
	EntityKind() Kind
}

// RunSettings describes how a single process should be launched. Dir is the
// resolved working directory produced by the generation engine; the core
// never creates or validates its contents.
type RunSettings struct {
	Exe          string
	Args         []string
	Dir          string
	Env          map[string]string
	Nodes        int
	TasksPerNode int
	AllocID      string
}

// Run is a single-run entity: one executable launched once.
type Run struct {
	Name     string
	Settings RunSettings
}

func (r *Run) EntityName() string { return r.Name }
func (r *Run) EntityKind() Kind   { return KindRun }

// Ensemble is an ordered, name-unique collection of runs.
type Ensemble struct {
	Name    string
	members []*Run
}

// NewEnsemble creates an empty ensemble.
func NewEnsemble(name string) *Ensemble {
	return &Ensemble{Name: name}
}

func (e *Ensemble) EntityName() string { return e.Name }
func (e *Ensemble) EntityKind() Kind   { return KindEnsemble }

// AddMember appends a run to the ensemble. Member names must be unique
// within the ensemble.
func (e *Ensemble) AddMember(r *Run) error {
	for _, m := range e.members {
		if m.Name == r.Name {
			return fmt.Errorf("%w: ensemble %q already has a member named %q", ErrAlreadyExists, e.Name, r.Name)
		}
	}
	e.members = append(e.members, r)
	return nil
}

// Members returns the ensemble members in insertion order.
func (e *Ensemble) Members() []*Run {
	out := make([]*Run, len(e.members))
	copy(out, e.members)
	return out
}

// ShardNode is one node of the data-exchange service. Each node hosts one
// server process per port.
type ShardNode struct {
	Name     string
	Ports    []int
	Settings RunSettings
}

func (n *ShardNode) EntityName() string { return n.Name }
func (n *ShardNode) EntityKind() Kind   { return KindExchange }

// ExchangeService is the shared in-memory data-exchange service, standalone
// (one node) or clustered (three or more). At most one exists per experiment.
type ExchangeService struct {
	Name      string
	Path      string
	Port      int
	AllocID   string
	Clustered bool
	Nodes     []*ShardNode
}

func (s *ExchangeService) EntityName() string { return s.Name }
func (s *ExchangeService) EntityKind() Kind   { return KindExchange }
