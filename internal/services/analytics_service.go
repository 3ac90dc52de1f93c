package services

import "sort"

type AnalyticsStore interface {
	ListParticipants() ([]*Participant, error)
	ListResearchTranscripts() ([]*Transcript, error)
}

// AnalyticsService aggregates usage across participants and transcripts for
// the admin dashboard. Read-only; it never mutates research data.
type AnalyticsService struct {
	store AnalyticsStore
}

func NewAnalyticsService(store AnalyticsStore) *AnalyticsService {
	return &AnalyticsService{store: store}
}

type ParticipantStats struct {
	Total                int `json:"total"`
	PilotParticipants    int `json:"pilot_participants"`
	ResearchParticipants int `json:"research_participants"`
	Withdrawn            int `json:"withdrawn"`
	ProfilesComplete     int `json:"profiles_complete"`
}

type ParticipantUsage struct {
	AnonymousID            string  `json:"anonymous_id"`
	Sessions               int     `json:"sessions"`
	TotalDurationSeconds   int     `json:"total_duration_seconds"`
	AverageDurationSeconds int     `json:"average_duration_seconds"`
	TotalMessages          int     `json:"total_messages"`
	TotalTokens            int     `json:"total_tokens"`
	TotalCost              float64 `json:"total_cost"`
	LastActive             string  `json:"last_active"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type StudySummary struct {
	TotalSessions          int                `json:"total_sessions"`
	TotalMessages          int                `json:"total_messages"`
	TotalTokens            int                `json:"total_tokens"`
	TotalCost              float64            `json:"total_cost"`
	AverageDurationSeconds int                `json:"average_duration_seconds"`
	Participants           []ParticipantUsage `json:"participants"`
	Timeseries             []DailyCount       `json:"timeseries"`
}

// ParticipantStats counts accounts by lifecycle role.
func (s *AnalyticsService) ParticipantStats() (*ParticipantStats, error) {
	participants, err := s.store.ListParticipants()
	if err != nil {
		return nil, err
	}
	stats := &ParticipantStats{}
	for _, p := range participants {
		stats.Total++
		switch p.Role {
		case RolePilot:
			stats.PilotParticipants++
		case RoleResearch:
			stats.ResearchParticipants++
		case RoleWithdrawn:
			stats.Withdrawn++
		}
		if p.ProfileComplete {
			stats.ProfilesComplete++
		}
	}
	return stats, nil
}

// StudySummary aggregates all research transcripts: study-wide totals,
// per-anonymous-id usage, and a daily session timeseries. Durations are
// already clamped non-negative at recording time; the average is computed
// over sessions, not participants.
func (s *AnalyticsService) StudySummary() (*StudySummary, error) {
	transcripts, err := s.store.ListResearchTranscripts()
	if err != nil {
		return nil, err
	}

	summary := &StudySummary{}
	byParticipant := map[string]*ParticipantUsage{}
	countsByDay := map[string]int{}
	totalDuration := 0

	for _, t := range transcripts {
		summary.TotalSessions++
		summary.TotalMessages += t.MessageCount
		duration := t.DurationSeconds
		if duration < 0 {
			duration = 0
		}
		totalDuration += duration
		if t.Metrics.TotalTokens != nil {
			summary.TotalTokens += *t.Metrics.TotalTokens
		}
		if t.Metrics.TotalCost != nil {
			summary.TotalCost += *t.Metrics.TotalCost
		}
		countsByDay[t.StartTime.UTC().Format("2006-01-02")]++

		u := byParticipant[t.AnonymousID]
		if u == nil {
			u = &ParticipantUsage{AnonymousID: t.AnonymousID}
			byParticipant[t.AnonymousID] = u
		}
		u.Sessions++
		u.TotalDurationSeconds += duration
		u.TotalMessages += t.MessageCount
		if t.Metrics.TotalTokens != nil {
			u.TotalTokens += *t.Metrics.TotalTokens
		}
		if t.Metrics.TotalCost != nil {
			u.TotalCost += *t.Metrics.TotalCost
		}
		day := t.EndTime.UTC().Format("2006-01-02")
		if day > u.LastActive {
			u.LastActive = day
		}
	}

	if summary.TotalSessions > 0 {
		summary.AverageDurationSeconds = totalDuration / summary.TotalSessions
	}

	ids := make([]string, 0, len(byParticipant))
	for id := range byParticipant {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		u := byParticipant[id]
		if u.Sessions > 0 {
			u.AverageDurationSeconds = u.TotalDurationSeconds / u.Sessions
		}
		summary.Participants = append(summary.Participants, *u)
	}

	summary.Timeseries = buildTimeseries(countsByDay)
	return summary, nil
}

func buildTimeseries(counts map[string]int) []DailyCount {
	days := make([]string, 0, len(counts))
	for d := range counts {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]DailyCount, 0, len(days))
	for _, d := range days {
		out = append(out, DailyCount{Date: d, Count: counts[d]})
	}
	return out
}
