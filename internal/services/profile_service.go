package services

import "time"

type ProfileStore interface {
	GetParticipant(id string) (*Participant, error)
	UpdateParticipant(p *Participant, expectedVersion int64) error
	UpsertResearchProfile(p *ResearchProfile) error
	GetResearchProfile(anonymousID string) (*ResearchProfile, error)
	AddAudit(entry AuditEntry)
}

// ProfileService records the one-time demographic and technology-affinity
// questionnaire. Profiles are owned by the anonymous id, so they are in scope
// for anonymization on withdrawal.
type ProfileService struct {
	store ProfileStore
	now   func() time.Time
	idGen func() string
}

func NewProfileService(store ProfileStore) *ProfileService {
	return &ProfileService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: func() string { return shortID(12) },
	}
}

// Submit stores the questionnaire answers under the participant's current
// anonymous id and marks the profile step complete. Only consented research
// participants have a profile; resubmission replaces the previous answers.
func (s *ProfileService) Submit(participantID string, demographics map[string]string, atiAnswers map[string]int) (*ResearchProfile, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	if p.Role != RoleResearch || p.AnonymousID == "" {
		return nil, NewForbiddenError("research consent required")
	}

	profile := &ResearchProfile{
		ID:            s.idGen(),
		ParticipantID: p.ID,
		AnonymousID:   p.AnonymousID,
		Demographics:  demographics,
		ATIAnswers:    atiAnswers,
		CreatedAt:     s.now(),
	}
	if err := s.store.UpsertResearchProfile(profile); err != nil {
		return nil, err
	}

	if !p.ProfileComplete {
		p.ProfileComplete = true
		if err := s.store.UpdateParticipant(p, p.Version); err != nil {
			return nil, err
		}
		p.Version++
	}

	s.store.AddAudit(AuditEntry{
		Time:   s.now(),
		Actor:  "participant",
		Action: "profile_submitted",
		Target: participantID,
		Note:   p.AnonymousID,
	})
	return profile, nil
}

// Get returns the profile for the participant's current anonymous id, or nil
// if none has been submitted.
func (s *ProfileService) Get(participantID string) (*ResearchProfile, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	if p.AnonymousID == "" {
		return nil, nil
	}
	return s.store.GetResearchProfile(p.AnonymousID)
}
