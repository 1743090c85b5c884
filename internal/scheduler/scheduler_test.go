package scheduler

import (
	"testing"

	"github.com/robfig/cron/v3"
)

func TestEntriesHaveValidSpecs(t *testing.T) {
	for _, e := range Entries() {
		if _, err := cron.ParseStandard(e.Spec); err != nil {
			t.Fatalf("entry %q has invalid cron spec %q: %v", e.Key, e.Spec, err)
		}
	}
}

func TestEntriesHaveUniqueKeys(t *testing.T) {
	seen := make(map[string]bool)
	for _, e := range Entries() {
		if e.Key == "" {
			t.Fatalf("entry with empty key: %+v", e)
		}
		if seen[e.Key] {
			t.Fatalf("duplicate schedule key %q", e.Key)
		}
		seen[e.Key] = true
	}
}

func TestEntriesNameTheirTasks(t *testing.T) {
	for _, e := range Entries() {
		if e.Queue == "" || e.TaskType == "" {
			t.Fatalf("entry %q missing queue or task type: %+v", e.Key, e)
		}
	}
}
