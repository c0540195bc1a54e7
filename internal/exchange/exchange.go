// Package exchange manages the shared in-memory data-exchange service: its
// cluster topology, runtime address resolution, and the junction of
// producer -> consumer routing intents.
package exchange

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/musterhq/muster/internal/jobs"
	"github.com/musterhq/muster/internal/launcher"
	"github.com/musterhq/muster/internal/model"
)

// Defaults mirror the in-memory store the service is built on.
const (
	DefaultPort          = 6379
	DefaultNodeCount     = 3
	DefaultShardsPerNode = 1

	serviceName = "exchange"
)

// Environment variables consumed by client libraries inside launched
// workloads. These names are an external contract and must stay stable.
const (
	EnvAddress    = "SSDB"
	EnvExperiment = "SSNAME"
	EnvProducer   = "SSDATAIN"
)

// Manager owns the singleton data-exchange service of one experiment and
// its junction.
type Manager struct {
	experiment string
	serverExe  string
	logger     *slog.Logger

	Junction Junction

	mu  sync.Mutex
	svc *model.ExchangeService
}

// NewManager creates a manager for the named experiment. serverExe is the
// data-exchange server binary launched on every shard.
func NewManager(experiment, serverExe string, logger *slog.Logger) *Manager {
	return &Manager{
		experiment: experiment,
		serverExe:  serverExe,
		logger:     logger,
	}
}

// CreateStandalone creates a single-node service. Only one service may
// exist per experiment.
func (m *Manager) CreateStandalone(path string, port int, options map[string]string) (*model.ExchangeService, error) {
	return m.create("", path, port, 1, 1, options, false, launcher.Capabilities{})
}

// CreateClustered creates a multi-node clustered service on the given
// allocation. Two-node clusters are not a valid shape for the underlying
// store; one and three-plus are the only supported sizes. The launcher must
// be able to allocate across hosts.
func (m *Manager) CreateClustered(l launcher.Launcher, allocID, path string, port, nodeCount, shardsPerNode int, options map[string]string) (*model.ExchangeService, error) {
	if nodeCount <= 0 {
		nodeCount = DefaultNodeCount
	}
	if shardsPerNode <= 0 {
		shardsPerNode = DefaultShardsPerNode
	}
	return m.create(allocID, path, port, nodeCount, shardsPerNode, options, true, l.Capabilities())
}

func (m *Manager) create(allocID, path string, port, nodeCount, shardsPerNode int, options map[string]string, clustered bool, caps launcher.Capabilities) (*model.ExchangeService, error) {
	if port <= 0 {
		port = DefaultPort
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.svc != nil {
		return nil, fmt.Errorf("%w: experiment %q already has a data-exchange service", model.ErrAlreadyExists, m.experiment)
	}
	if clustered {
		if nodeCount == 2 {
			return nil, fmt.Errorf("%w: two-node clusters are not supported; use one or three-plus nodes", model.ErrInvalidTopology)
		}
		if !caps.SupportsMultiHostAllocation {
			return nil, fmt.Errorf("%w: launcher %q cannot allocate across hosts; create a standalone service instead", model.ErrUnsupportedBackend, caps.Name)
		}
	}

	svc := &model.ExchangeService{
		Name:      serviceName,
		Path:      path,
		Port:      port,
		AllocID:   allocID,
		Clustered: clustered && nodeCount > 1,
	}
	for i := 0; i < nodeCount; i++ {
		node := &model.ShardNode{
			Name: fmt.Sprintf("%s_%d", serviceName, i),
		}
		for s := 0; s < shardsPerNode; s++ {
			node.Ports = append(node.Ports, port+s)
		}
		node.Settings = m.nodeSettings(node, svc, options)
		svc.Nodes = append(svc.Nodes, node)
	}

	m.svc = svc
	m.logger.Info("data-exchange service created",
		"experiment", m.experiment,
		"clustered", svc.Clustered,
		"nodes", len(svc.Nodes),
		"shards_per_node", shardsPerNode,
		"port", port,
	)
	return svc, nil
}

// nodeSettings builds the launch settings for one shard node: the server
// binary with one port flag per shard, plus any backend-specific extras.
func (m *Manager) nodeSettings(node *model.ShardNode, svc *model.ExchangeService, options map[string]string) model.RunSettings {
	var args []string
	for _, p := range node.Ports {
		args = append(args, "--port", strconv.Itoa(p))
	}
	if svc.Clustered {
		args = append(args, "--cluster-enabled", "yes")
	}
	return model.RunSettings{
		Exe:          m.serverExe,
		Args:         args,
		Dir:          svc.Path,
		Env:          options,
		Nodes:        1,
		TasksPerNode: 1,
	}
}

// Service returns the singleton service, if created.
func (m *Manager) Service() (*model.ExchangeService, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.svc, m.svc != nil
}

// Addresses resolves the runtime host:port addresses of every shard,
// preserving node order then port order within a node. It fails until every
// node's job has reported its hostnames.
func (m *Manager) Addresses(reg *jobs.Registry) ([]string, error) {
	m.mu.Lock()
	svc := m.svc
	m.mu.Unlock()
	if svc == nil {
		return nil, fmt.Errorf("%w: no data-exchange service created", model.ErrNotConfigured)
	}

	var addrs []string
	for _, node := range svc.Nodes {
		j, ok := reg.Get(node.Name)
		if !ok || len(j.Hosts) == 0 {
			return nil, fmt.Errorf("%w: exchange node %q has not reported its hosts yet", model.ErrNotLaunched, node.Name)
		}
		for _, host := range j.Hosts {
			for _, port := range node.Ports {
				addrs = append(addrs, host+":"+strconv.Itoa(port))
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: data-exchange service has no shards", model.ErrNoAddressesResolved)
	}
	return addrs, nil
}

// Bind builds the environment a launched process needs to self-configure
// its data-exchange client: the resolved service address, the experiment
// name, and (for a declared consumer) its producer's output namespace.
func (m *Manager) Bind(entityName string, reg *jobs.Registry) (map[string]string, error) {
	addrs, err := m.Addresses(reg)
	if err != nil {
		return nil, fmt.Errorf("bind environment for %q: %w", entityName, err)
	}

	env := map[string]string{
		EnvAddress:    addrs[0],
		EnvExperiment: m.experiment,
	}
	if producer, ok := m.Junction.FirstProducerFor(entityName); ok {
		env[EnvProducer] = producer
	}
	return env, nil
}
