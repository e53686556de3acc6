package server

import (
	"time"

	"reportline/internal/domain"
	"reportline/internal/transport"
)

// Response payloads

type ProjectResponse struct {
	ID                      int64     `json:"id"`
	Name                    string    `json:"name"`
	InterruptJobTimeSeconds int64     `json:"interrupt_job_time_seconds"`
	CreatedAt               time.Time `json:"created_at" format:"date-time"`
}

type ProjectsResponse struct {
	Items []ProjectResponse `json:"items"`
}

type LaunchResponse struct {
	UUID        string         `json:"uuid"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Mode        string         `json:"mode"`
	Status      string         `json:"status"`
	StartTime   time.Time      `json:"start_time" format:"date-time"`
	EndTime     *time.Time     `json:"end_time,omitempty" format:"date-time"`
	ItemCounts  map[string]int `json:"item_counts"`
}

type ItemResponse struct {
	UUID        string     `json:"uuid"`
	ParentID    *int64     `json:"parent_id,omitempty"`
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	StartTime   time.Time  `json:"start_time" format:"date-time"`
	EndTime     *time.Time `json:"end_time,omitempty" format:"date-time"`
	HasChildren bool       `json:"has_children"`
}

type ItemsResponse struct {
	Items []ItemResponse `json:"items"`
}

type EventsResponse struct {
	Items []domain.Event `json:"items"`
}

type DeadLettersResponse struct {
	Items []transport.DeadLetter `json:"items"`
}

type ReplayResponse struct {
	RequestType string `json:"request_type"`
	Replayed    int    `json:"replayed"`
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, ProjectResponse{
			ID:                      p.ID,
			Name:                    p.Name,
			InterruptJobTimeSeconds: int64(p.InterruptJobTime / time.Second),
			CreatedAt:               p.CreatedAt,
		})
	}
	return out
}

func mapLaunch(sum domain.LaunchSummary) LaunchResponse {
	l := sum.Launch
	counts := make(map[string]int, len(sum.ItemCounts))
	for st, n := range sum.ItemCounts {
		counts[string(st)] = n
	}
	return LaunchResponse{
		UUID:        l.UUID,
		Name:        l.Name,
		Description: l.Description,
		Mode:        string(l.Mode),
		Status:      string(l.Status),
		StartTime:   l.StartTime,
		EndTime:     l.EndTime,
		ItemCounts:  counts,
	}
}

func mapItems(items []domain.TestItem) []ItemResponse {
	out := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, ItemResponse{
			ID:          it.ID,
			UUID:        it.UUID,
			ParentID:    it.ParentID,
			Name:        it.Name,
			Type:        it.Type,
			Status:      string(it.Status),
			StartTime:   it.StartTime,
			EndTime:     it.EndTime,
			HasChildren: it.HasChildren,
		})
	}
	return out
}

func mapEvents(items []domain.Event) []domain.Event {
	if items == nil {
		return []domain.Event{}
	}
	return items
}
