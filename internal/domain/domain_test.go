package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginapp/margin-sync/internal/errors"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		input   string
		want    Source
		wantErr bool
	}{
		{"kobo", SourceKobo, false},
		{"kindle", SourceKindle, false},
		{"pocket", SourcePocket, false},
		{"chat", SourceChat, false},
		{"onenote", SourceUnknown, true},
		{"", SourceUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSource(tt.input)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHighlight_Fingerprint(t *testing.T) {
	base := Highlight{
		UUID:     "a1b2",
		Text:     "To be, or not to be",
		Note:     "famous",
		Location: "act 3",
	}

	t.Run("stable for identical content", func(t *testing.T) {
		other := base
		other.CreatedAt = time.Now() // timestamps do not participate
		assert.Equal(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("changes when note changes", func(t *testing.T) {
		other := base
		other.Note = "edited"
		assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("changes when color changes", func(t *testing.T) {
		other := base
		other.ColorIndex = 2
		assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("field boundaries are unambiguous", func(t *testing.T) {
		a := Highlight{Text: "ab", Note: "c"}
		b := Highlight{Text: "a", Note: "bc"}
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to TaskState }{
		{TaskQueued, TaskRunning},
		{TaskQueued, TaskCancelled},
		{TaskRunning, TaskSucceeded},
		{TaskRunning, TaskFailed},
		{TaskRunning, TaskCancelled},
		{TaskFailed, TaskQueued},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to TaskState }{
		{TaskQueued, TaskSucceeded},
		{TaskQueued, TaskFailed},
		{TaskSucceeded, TaskQueued},
		{TaskSucceeded, TaskRunning},
		{TaskCancelled, TaskQueued},
		{TaskCancelled, TaskRunning},
		{TaskFailed, TaskRunning},
		{TaskRunning, TaskQueued},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestTaskState_Terminal(t *testing.T) {
	assert.False(t, TaskQueued.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskSucceeded.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}

func TestSyncTask_Clone(t *testing.T) {
	task := &SyncTask{
		ID:    "task-1",
		Key:   TaskKey{Source: SourceKobo, RawID: "book-9"},
		State: TaskFailed,
		Error: &TaskError{Code: errors.CodeNetwork, Message: "boom"},
	}

	c := task.Clone()
	c.Error.Message = "changed"
	c.State = TaskQueued

	assert.Equal(t, "boom", task.Error.Message)
	assert.Equal(t, TaskFailed, task.State)
}

func TestTaskError_Retryable(t *testing.T) {
	var nilErr *TaskError
	assert.False(t, nilErr.Retryable())
	assert.True(t, (&TaskError{Code: errors.CodeNetwork}).Retryable())
	assert.False(t, (&TaskError{Code: errors.CodeConfigMissing}).Retryable())
}
