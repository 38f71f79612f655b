package conversation

import (
	"sync"
	"time"

	"github.com/ent0n29/callpilot/internal/language"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one immutable history entry.
type Turn struct {
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Language  language.Tag `json:"language"`
	Timestamp time.Time    `json:"timestamp"`
}

// Stats summarises a call's history.
type Stats struct {
	TotalMessages     int `json:"total_messages"`
	UserMessages      int `json:"user_messages"`
	AssistantMessages int `json:"assistant_messages"`
}

// State is one call's bounded history and current language. Appends beyond
// the limit drop the oldest turns first.
type State struct {
	mu       sync.RWMutex
	limit    int
	turns    []Turn
	current  language.Tag
	appended Stats
	now      func() time.Time
}

func NewState(limit int, lang language.Tag) *State {
	if limit <= 0 {
		limit = 20
	}
	return &State{
		limit:   limit,
		current: lang,
		turns:   make([]Turn, 0, limit),
		now:     time.Now,
	}
}

func (s *State) Append(role Role, content string, lang language.Tag) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := Turn{
		Role:      role,
		Content:   content,
		Language:  lang,
		Timestamp: s.now().UTC(),
	}
	s.turns = append(s.turns, turn)
	if over := len(s.turns) - s.limit; over > 0 {
		// Shift in place so the backing array stays at limit capacity.
		n := copy(s.turns, s.turns[over:])
		for i := n; i < len(s.turns); i++ {
			s.turns[i] = Turn{}
		}
		s.turns = s.turns[:n]
	}
	s.appended.TotalMessages++
	switch role {
	case RoleUser:
		s.appended.UserMessages++
	case RoleAssistant:
		s.appended.AssistantMessages++
	}
	return turn
}

// History returns a copy of the retained turns, oldest first.
func (s *State) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.turns...)
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

func (s *State) CurrentLanguage() language.Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *State) SetCurrentLanguage(lang language.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = lang
}

// Stats counts every turn ever appended, including trimmed ones.
func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appended
}

// Clear drops all retained turns.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}
