package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callpilot/internal/language"
)

func TestStateTrimsOldestFirst(t *testing.T) {
	s := NewState(4, language.English)
	for i := 0; i < 10; i++ {
		s.Append(RoleUser, fmt.Sprintf("m%d", i), language.English)
	}

	hist := s.History()
	require.Len(t, hist, 4)
	for i, turn := range hist {
		assert.Equal(t, fmt.Sprintf("m%d", 6+i), turn.Content)
	}
	assert.Equal(t, 10, s.Stats().TotalMessages)
	assert.Equal(t, 10, s.Stats().UserMessages)
}

func TestStateHistoryIsChronologicalAndCopied(t *testing.T) {
	s := NewState(20, language.English)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	s.Append(RoleUser, "hello", language.English)
	s.Append(RoleAssistant, "Hi there!", language.English)

	hist := s.History()
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Timestamp.Before(hist[1].Timestamp))
	assert.Equal(t, RoleUser, hist[0].Role)
	assert.Equal(t, RoleAssistant, hist[1].Role)

	hist[0].Content = "mutated"
	assert.Equal(t, "hello", s.History()[0].Content)
}

func TestStateLanguageAndClear(t *testing.T) {
	s := NewState(20, language.English)
	s.SetCurrentLanguage(language.Hindi)
	assert.Equal(t, language.Hindi, s.CurrentLanguage())

	s.Append(RoleUser, "x", language.Hindi)
	s.Clear()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.History())
}
