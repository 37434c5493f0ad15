package service

import (
	"maps"
	"strings"
	"sync"

	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// EventFilterService decides, at ingest time, which raw scanner events are
// worth flagging for rules evaluation. Lookups are case-insensitive; the
// type set can be mutated at runtime.
type EventFilterService struct {
	mu sync.RWMutex
	// ProcessableEventTypes keeps the caller-supplied casing for display.
	ProcessableEventTypes map[string]bool
	// normalized is the lowercase view lookups actually hit.
	normalized map[string]bool
}

// NewEventFilterService seeds the filter with the CDP network events the
// rules engine extracts hosts from.
func NewEventFilterService() *EventFilterService {
	seed := map[string]bool{
		"Network.requestWillBeSent": true,
		"Network.responseReceived":  true,
	}
	s := &EventFilterService{
		ProcessableEventTypes: seed,
		normalized:            make(map[string]bool, len(seed)),
	}
	for k, v := range seed {
		s.normalized[strings.ToLower(k)] = v
	}
	return s
}

// ShouldProcessEvent reports whether events of this type go to the rules engine.
func (s *EventFilterService) ShouldProcessEvent(eventType string) bool {
	et := strings.ToLower(strings.TrimSpace(eventType))
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.normalized[et]
}

// ShouldProcessEvents maps each batch index to its processing decision,
// matching the per-event flag shape the bulk insert takes.
func (s *EventFilterService) ShouldProcessEvents(events []model.RawEvent) map[int]bool {
	result := make(map[int]bool, len(events))
	for i, event := range events {
		result[i] = s.ShouldProcessEvent(event.Type)
	}
	return result
}

// FilterProcessableEvents returns the subset of events the rules engine cares about.
func (s *EventFilterService) FilterProcessableEvents(events []model.RawEvent) []model.RawEvent {
	var kept []model.RawEvent
	for _, event := range events {
		if s.ShouldProcessEvent(event.Type) {
			kept = append(kept, event)
		}
	}
	return kept
}

// AddProcessableEventType marks an event type for processing.
func (s *EventFilterService) AddProcessableEventType(eventType string) {
	s.setType(eventType, true, false)
}

// RemoveProcessableEventType drops an event type from the set entirely.
func (s *EventFilterService) RemoveProcessableEventType(eventType string) {
	et := strings.TrimSpace(eventType)
	if et == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ProcessableEventTypes, et)
	delete(s.normalized, strings.ToLower(et))
}

// SetProcessableEventType records an explicit decision for an event type.
func (s *EventFilterService) SetProcessableEventType(eventType string, shouldProcess bool) {
	s.setType(eventType, shouldProcess, true)
}

func (s *EventFilterService) setType(eventType string, shouldProcess, allowFalse bool) {
	et := strings.TrimSpace(eventType)
	if et == "" {
		return
	}
	if !shouldProcess && !allowFalse {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessableEventTypes[et] = shouldProcess
	s.normalized[strings.ToLower(et)] = shouldProcess
}

// GetProcessableEventTypes returns a copy of the configured set.
func (s *EventFilterService) GetProcessableEventTypes() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]bool, len(s.ProcessableEventTypes))
	maps.Copy(result, s.ProcessableEventTypes)
	return result
}

// GetProcessableEventTypesList returns the event types currently enabled.
func (s *EventFilterService) GetProcessableEventTypesList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var types []string
	for eventType, enabled := range s.ProcessableEventTypes {
		if enabled {
			types = append(types, eventType)
		}
	}
	return types
}

// EventFilterStats summarizes one batch's filtering outcome.
type EventFilterStats struct {
	TotalEvents       int     `json:"total_events"`
	ProcessableEvents int     `json:"processable_events"`
	FilteredEvents    int     `json:"filtered_events"`
	FilterRatio       float64 `json:"filter_ratio"` // percent filtered out
}

// GetFilterStats computes filtering statistics for a batch.
func (s *EventFilterService) GetFilterStats(events []model.RawEvent) EventFilterStats {
	total := len(events)
	processable := 0
	for _, event := range events {
		if s.ShouldProcessEvent(event.Type) {
			processable++
		}
	}

	filtered := total - processable
	ratio := 0.0
	if total > 0 {
		ratio = float64(filtered) / float64(total) * 100.0
	}

	return EventFilterStats{
		TotalEvents:       total,
		ProcessableEvents: processable,
		FilteredEvents:    filtered,
		FilterRatio:       ratio,
	}
}
