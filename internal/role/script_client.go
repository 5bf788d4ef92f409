package role

import (
	"context"
	"fmt"
	"sync"
)

type scriptStep struct {
	res    *Result
	raw    string
	err    error
	useRaw bool
}

// ScriptClient replays canned responses per role, in queue order. Tests and
// offline runs use it in place of a live model; it records every request it
// serves so callers can assert on invocation counts and payloads.
type ScriptClient struct {
	mu      sync.Mutex
	queues  map[Role][]scriptStep
	history []Request
}

var _ Gateway = (*ScriptClient)(nil)

func NewScriptClient() *ScriptClient {
	return &ScriptClient{queues: make(map[Role][]scriptStep)}
}

// Queue appends a structured result to the role's replay queue.
func (s *ScriptClient) Queue(r Role, res *Result) *ScriptClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[r] = append(s.queues[r], scriptStep{res: res})
	return s
}

// QueueRaw appends raw model text; serving it runs the full codec, so tests
// can exercise parse failures and hint threading.
func (s *ScriptClient) QueueRaw(r Role, raw string) *ScriptClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[r] = append(s.queues[r], scriptStep{raw: raw, useRaw: true})
	return s
}

// QueueErr appends an invocation error, simulating a transport failure.
func (s *ScriptClient) QueueErr(r Role, err error) *ScriptClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[r] = append(s.queues[r], scriptStep{err: err})
	return s
}

func (s *ScriptClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	queue := s.queues[req.Role]
	if len(queue) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("script exhausted for role %s", req.Role)
	}
	step := queue[0]
	s.queues[req.Role] = queue[1:]
	s.history = append(s.history, req)
	s.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	if step.useRaw {
		return DecodeResult(req.Role, step.raw)
	}
	return step.res, nil
}

// Calls returns how many requests the client has served for the role.
func (s *ScriptClient) Calls(r Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.history {
		if req.Role == r {
			n++
		}
	}
	return n
}

// History returns a copy of every served request, in order.
func (s *ScriptClient) History() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.history))
	copy(out, s.history)
	return out
}

// Remaining returns how many queued steps have not been served yet.
func (s *ScriptClient) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, queue := range s.queues {
		n += len(queue)
	}
	return n
}
