// Package scheduler implements pure VM placement logic: given a resource
// request and a snapshot of candidate agents, pick one according to a
// strategy. No side effects, no I/O; the only mutable state is the shared
// round-robin counter, guarded by its own lock.
package scheduler

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"vmfleet.io/fleetd/internal/domain"
	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
)

// Strategy names a placement policy.
type Strategy string

const (
	// StrategyBestFit packs workloads tightly: the eligible agent with the
	// smallest remaining-capacity score wins, minimizing fragmentation.
	StrategyBestFit Strategy = "bestFit"

	// StrategyLeastLoaded spreads load: the eligible agent with the lowest
	// weighted utilization wins, favoring isolation over packing.
	StrategyLeastLoaded Strategy = "leastLoaded"

	// StrategyRoundRobin rotates through eligible agents via a shared
	// counter.
	StrategyRoundRobin Strategy = "roundRobin"

	// StrategyRandom picks uniformly among eligible agents.
	StrategyRandom Strategy = "random"
)

// ParseStrategy validates a strategy name from config or a per-call
// override.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyBestFit, StrategyLeastLoaded, StrategyRoundRobin, StrategyRandom:
		return st, nil
	default:
		return "", apperrors.BadRequest(apperrors.CodeInvalidStrategy,
			fmt.Sprintf("unknown scheduling strategy %q", s))
	}
}

// Candidate is a read-only projection of an agent plus its running-VM
// count, computed fresh for each scheduling decision. The scheduler never
// mutates it.
type Candidate struct {
	ID         string
	Name       string
	Status     domain.AgentStatus
	Total      domain.Resources
	Available  domain.Resources
	RunningVMs int
}

// Scheduler selects agents for placements. Safe for concurrent use.
type Scheduler struct {
	defaultStrategy Strategy

	mu        sync.Mutex
	rrCounter uint64
}

// New creates a scheduler with the given service-wide default strategy.
func New(def Strategy) *Scheduler {
	if def == "" {
		def = StrategyBestFit
	}
	return &Scheduler{defaultStrategy: def}
}

// DefaultStrategy returns the service-wide default.
func (s *Scheduler) DefaultStrategy() Strategy { return s.defaultStrategy }

// Schedule picks one agent for the requested resources. Pass an empty
// strategy to use the default. Ties under bestFit/leastLoaded go to the
// first minimal element in input order, keeping decisions reproducible.
func (s *Scheduler) Schedule(req domain.Resources, candidates []Candidate, strategy Strategy) (string, error) {
	if strategy == "" {
		strategy = s.defaultStrategy
	}

	if len(candidates) == 0 {
		return "", apperrors.Unavailable(apperrors.CodeNoAvailableAgents,
			"no agents available")
	}

	eligible := filterEligible(req, candidates)
	if len(eligible) == 0 {
		return "", apperrors.Unavailable(apperrors.CodeInsufficientResources,
			"no agent satisfies the resource requirement").
			WithParams(map[string]interface{}{
				"requested_cpu":    req.CPU,
				"requested_memory": req.MemoryBytes,
				"requested_disk":   req.DiskBytes,
				"considered":       consideredSet(candidates),
			})
	}

	switch strategy {
	case StrategyBestFit:
		return pickMin(eligible, remainingCapacityScore), nil
	case StrategyLeastLoaded:
		return pickMin(eligible, utilizationScore), nil
	case StrategyRoundRobin:
		return s.pickRoundRobin(eligible), nil
	case StrategyRandom:
		return eligible[rand.IntN(len(eligible))].ID, nil
	default:
		return "", apperrors.BadRequest(apperrors.CodeInvalidStrategy,
			fmt.Sprintf("unknown scheduling strategy %q", strategy))
	}
}

// filterEligible keeps online agents with enough available CPU, memory,
// and disk. Input order is preserved.
func filterEligible(req domain.Resources, candidates []Candidate) []Candidate {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Status != domain.AgentOnline {
			continue
		}
		if c.Available.CPU < req.CPU ||
			c.Available.MemoryBytes < req.MemoryBytes ||
			c.Available.DiskBytes < req.DiskBytes {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

// remainingCapacityScore is a weighted sum of available CPU, memory (MB),
// and disk (GB), brought onto comparable scales. Lower means fuller.
func remainingCapacityScore(c Candidate) float64 {
	const (
		cpuWeight  = 100.0
		memDivisor = 100.0 // MB → comparable scale
	)
	memMB := float64(c.Available.MemoryBytes) / (1 << 20)
	diskGB := float64(c.Available.DiskBytes) / (1 << 30)
	return float64(c.Available.CPU)*cpuWeight + memMB/memDivisor + diskGB
}

// utilizationScore is 0.4·cpu + 0.4·memory + 0.2·disk utilization, each
// (total-available)/total, treating a zero total as unutilized.
func utilizationScore(c Candidate) float64 {
	return 0.4*utilization(float64(c.Total.CPU), float64(c.Available.CPU)) +
		0.4*utilization(float64(c.Total.MemoryBytes), float64(c.Available.MemoryBytes)) +
		0.2*utilization(float64(c.Total.DiskBytes), float64(c.Available.DiskBytes))
}

func utilization(total, available float64) float64 {
	if total <= 0 {
		return 0
	}
	return (total - available) / total
}

// pickMin returns the first candidate with the minimal score.
func pickMin(eligible []Candidate, score func(Candidate) float64) string {
	best := 0
	bestScore := score(eligible[0])
	for i := 1; i < len(eligible); i++ {
		if s := score(eligible[i]); s < bestScore {
			best, bestScore = i, s
		}
	}
	return eligible[best].ID
}

// pickRoundRobin selects eligible[counter mod n] and advances the shared
// counter. The read-modify-write is under the lock so concurrent calls
// each get exactly one slot; the counter wraps on overflow.
func (s *Scheduler) pickRoundRobin(eligible []Candidate) string {
	s.mu.Lock()
	idx := s.rrCounter % uint64(len(eligible))
	s.rrCounter++
	s.mu.Unlock()
	return eligible[idx].ID
}

// consideredSet summarizes candidates for the InsufficientResources error,
// enough for an operator to diagnose without consulting logs.
func consideredSet(candidates []Candidate) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, map[string]interface{}{
			"agent_id":     c.ID,
			"status":       string(c.Status),
			"avail_cpu":    c.Available.CPU,
			"avail_memory": c.Available.MemoryBytes,
			"avail_disk":   c.Available.DiskBytes,
		})
	}
	return out
}
