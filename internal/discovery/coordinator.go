package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// State is the coordinator state
type State int

const (
	// StateIdle means no locally initiated session is running
	StateIdle State = iota
	// StateQuerying means exactly one locally initiated session is running
	StateQuerying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateQuerying:
		return "QUERYING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Action is what a peer task does
type Action int

const (
	// ActionAdvertise pushes one local name to the peer
	ActionAdvertise Action = iota
	// ActionDiscover asks the peer for names matching a prefix
	ActionDiscover
)

func (a Action) String() string {
	if a == ActionAdvertise {
		return "advertise"
	}
	return "discover"
}

// Task is one queued visit to a peer
type Task struct {
	Action  Action
	Peer    string
	Payload string
}

// Locate queues a discover task for every paired peer
func (s *Service) Locate(ctx context.Context, prefix string) error {
	peers, err := s.adapter.PairedPeers(ctx)
	if err != nil {
		return fmt.Errorf("enumerate paired peers: %w", err)
	}
	if len(peers) == 0 {
		s.logger.Debug("Locate with no paired peers", zap.String("prefix", prefix))
		return ErrNoPairedPeers
	}

	tasks := make([]Task, 0, len(peers))
	for _, peer := range peers {
		tasks = append(tasks, Task{Action: ActionDiscover, Peer: peer, Payload: prefix})
	}
	s.enqueue(tasks)

	s.logger.Info("Locating names", zap.String("prefix", prefix), zap.Int("peers", len(peers)))
	return nil
}

// StopDiscovery drops queued discover tasks for prefix. A session already
// running for it finishes normally. Returns the number of tasks dropped.
func (s *Service) StopDiscovery(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	dropped := 0
	for _, t := range s.queue {
		if t.Action == ActionDiscover && t.Payload == prefix {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	s.queue = kept
	s.metrics.QueueDepth.Set(float64(len(s.queue)))
	return dropped
}

// State returns the coordinator state
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of queued tasks
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// enqueue appends tasks and starts the head one if nothing is running
func (s *Service) enqueue(tasks []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.queue = append(s.queue, tasks...)
	if s.state == StateIdle {
		s.advanceLocked()
	}
	s.metrics.QueueDepth.Set(float64(len(s.queue)))
}

// advance starts the next queued task, or goes idle. Every locally initiated
// session calls it exactly once when it finishes.
func (s *Service) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
}

// advanceLocked pops the head task. Caller must hold s.mu.
func (s *Service) advanceLocked() {
	if len(s.queue) == 0 || s.stopped || s.ctx.Err() != nil {
		s.queue = nil
		s.state = StateIdle
		s.metrics.Querying.Set(0)
		s.metrics.QueueDepth.Set(0)
		return
	}

	task := s.queue[0]
	s.queue = s.queue[1:]
	s.state = StateQuerying
	s.metrics.Querying.Set(1)
	s.metrics.QueueDepth.Set(float64(len(s.queue)))

	s.wg.Add(1)
	go s.runInitiator(task)
}
