package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskKey identifies a task by phase name and position within the phase.
type TaskKey struct {
	Phase string
	Index int
}

func (k TaskKey) String() string {
	return k.Phase + "." + strconv.Itoa(k.Index)
}

// ParseTaskKey parses the "phase.index" form, e.g. "morning.0".
func ParseTaskKey(s string) (TaskKey, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return TaskKey{}, fmt.Errorf("%w: %q", ErrInvalidTaskKey, s)
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil || idx < 0 {
		return TaskKey{}, fmt.Errorf("%w: %q", ErrInvalidTaskKey, s)
	}
	return TaskKey{Phase: s[:i], Index: idx}, nil
}

func (k TaskKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TaskKey) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
