package exchange

import "sync"

// Connection is one producer -> consumer data-routing intent.
type Connection struct {
	Producer string `json:"producer"`
	Consumer string `json:"consumer"`
}

// Junction records named producer -> consumer routing intents between
// entities. Registration is permissive: names are not checked against
// created entities, so connections may be registered before their endpoints
// exist. Duplicates are kept; the same producer may feed the same consumer
// over multiple logical channels.
type Junction struct {
	mu    sync.Mutex
	pairs []Connection
}

// Register appends a routing intent.
func (j *Junction) Register(producer, consumer string) {
	j.mu.Lock()
	j.pairs = append(j.pairs, Connection{Producer: producer, Consumer: consumer})
	j.mu.Unlock()
}

// FirstProducerFor returns the first registered producer targeting the
// given consumer.
func (j *Junction) FirstProducerFor(consumer string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, p := range j.pairs {
		if p.Consumer == consumer {
			return p.Producer, true
		}
	}
	return "", false
}

// Connections returns a copy of all registered intents in registration order.
func (j *Junction) Connections() []Connection {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Connection, len(j.pairs))
	copy(out, j.pairs)
	return out
}
