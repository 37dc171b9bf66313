// File: internal/conversation/conversation.go
// Description: Append-only, token-budgeted message history exchanged with the
// model. Eviction is FIFO over a protected-head/protected-tail window: the
// initial system message and the most recent K messages are never removed.

package conversation

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem      Role = "system"
	RoleUser        Role = "user"
	RoleModel       Role = "model"
	RoleObservation Role = "observation"
)

// Message is one immutable entry of the conversation. Index is the message's
// position in the append order and survives eviction of earlier messages.
type Message struct {
	Role    Role
	Content string
	Index   int
	Tokens  int
}

// Counter estimates the token cost of a piece of text.
type Counter func(text string) int

// perMessageOverhead approximates the per-message framing cost providers add
// on top of the raw content tokens.
const perMessageOverhead = 4

// State holds the ordered message sequence and its running token total.
type State struct {
	mu            sync.Mutex
	messages      []Message
	nextIndex     int
	total         int
	budget        int
	protectedTail int
	count         Counter
	logger        *zap.Logger
}

// Option customizes a State.
type Option func(*State)

// WithCounter replaces the default tiktoken-based counter. Used by tests and
// by callers that already know their provider's tokenizer.
func WithCounter(c Counter) Option {
	return func(s *State) { s.count = c }
}

// New creates an empty conversation with the given token budget and protected
// tail size. Token costs are computed with the cl100k_base encoding; if the
// encoding cannot be loaded, a bytes/4 estimate is used instead.
func New(budget, protectedTail int, logger *zap.Logger, opts ...Option) (*State, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("token budget must be positive, got %d", budget)
	}
	if protectedTail < 1 {
		return nil, fmt.Errorf("protected tail must be at least 1, got %d", protectedTail)
	}

	s := &State{
		budget:        budget,
		protectedTail: protectedTail,
		logger:        logger.Named("conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.count == nil {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			s.logger.Warn("Failed to load tiktoken encoding, falling back to byte estimate", zap.Error(err))
			s.count = func(text string) int { return len(text)/4 + 1 }
		} else {
			s.count = func(text string) int { return len(enc.Encode(text, nil, nil)) }
		}
	}
	return s, nil
}

// Append adds a message, recomputes the running total, and enforces the
// budget. It returns the stored message including its token cost.
func (s *State) Append(role Role, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		Role:    role,
		Content: content,
		Index:   s.nextIndex,
		Tokens:  s.count(content) + perMessageOverhead,
	}
	s.nextIndex++
	s.messages = append(s.messages, msg)
	s.total += msg.Tokens

	s.enforceBudgetLocked()
	return msg
}

// enforceBudgetLocked evicts the oldest evictable message until the running
// total fits the budget. Position 0 (the system message) and the trailing
// protected window are skipped; insertion order is the only eviction signal.
func (s *State) enforceBudgetLocked() {
	for s.total > s.budget {
		// Evictable region: (head system message, len-protectedTail).
		if len(s.messages) <= 1+s.protectedTail {
			s.logger.Warn("Token budget exceeded but nothing is evictable",
				zap.Int("total", s.total), zap.Int("budget", s.budget))
			return
		}
		evicted := s.messages[1]
		s.messages = append(s.messages[:1], s.messages[2:]...)
		s.total -= evicted.Tokens
		s.logger.Debug("Evicted message to fit token budget",
			zap.Int("index", evicted.Index),
			zap.String("role", string(evicted.Role)),
			zap.Int("tokens", evicted.Tokens),
			zap.Int("total", s.total))
	}
}

// Snapshot returns a copy of the current message sequence in order.
func (s *State) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TokenTotal returns the running token cost of the retained messages.
func (s *State) TokenTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Len returns the number of retained messages.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
