package schedule

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"ajnotify/internal/config"
	"ajnotify/internal/ns"
)

// Entry is one recurring notification.
type Entry struct {
	Name        string
	Spec        string
	Category    ns.Category
	TTL         time.Duration
	Texts       []ns.Text
	Custom      map[string]string
	ReplaceLast bool
}

// EntriesFromConfig converts config schedules, failing on the first bad entry.
func EntriesFromConfig(in []config.ScheduleConfig) ([]Entry, error) {
	out := make([]Entry, 0, len(in))
	for i, s := range in {
		cat, err := ns.ParseCategory(s.Category)
		if err != nil {
			return nil, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		ttl, err := s.TTLOrDefault()
		if err != nil {
			return nil, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		out = append(out, Entry{
			Name:        strings.TrimSpace(s.Name),
			Spec:        strings.TrimSpace(s.Spec),
			Category:    cat,
			TTL:         ttl,
			Texts:       []ns.Text{{Lang: s.LangOrDefault(), Text: s.Text}},
			Custom:      maps.Clone(s.CustomAttributes),
			ReplaceLast: s.ReplaceLast,
		})
	}
	return out, nil
}
