package services

import "time"

type AnonymizeStore interface {
	ListTranscriptsByAnonymousID(anonymousID string) ([]*Transcript, error)
	SetTranscriptParticipant(transcriptID, participantID string, withdrawnAt time.Time) error
	ListResearchProfilesByAnonymousID(anonymousID string) ([]*ResearchProfile, error)
	SetResearchProfileParticipant(profileID, participantID string, withdrawnAt time.Time) error
}

// AnonymizeService severs the link between a real account and the research
// data collected under an anonymous id. Invoked only by the consent service
// during withdrawal.
type AnonymizeService struct {
	store AnonymizeStore
	now   func() time.Time
}

func NewAnonymizeService(store AnonymizeStore) *AnonymizeService {
	return &AnonymizeService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Anonymize rewrites the participant reference on every transcript and
// research profile owned by anonymousID to the withdrawal sentinel. Anonymous
// ids, message content and derived metrics are left untouched; nothing is
// deleted. Re-running for an already-anonymized id is a no-op, which keeps
// the withdraw retry loop safe.
func (s *AnonymizeService) Anonymize(anonymousID string) error {
	if anonymousID == "" {
		return nil
	}
	withdrawnAt := s.now()

	transcripts, err := s.store.ListTranscriptsByAnonymousID(anonymousID)
	if err != nil {
		return err
	}
	for _, t := range transcripts {
		if t.ParticipantID == WithdrawnSentinel {
			continue
		}
		if err := s.store.SetTranscriptParticipant(t.ID, WithdrawnSentinel, withdrawnAt); err != nil {
			return err
		}
	}

	profiles, err := s.store.ListResearchProfilesByAnonymousID(anonymousID)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if p.ParticipantID == WithdrawnSentinel {
			continue
		}
		if err := s.store.SetResearchProfileParticipant(p.ID, WithdrawnSentinel, withdrawnAt); err != nil {
			return err
		}
	}
	return nil
}
