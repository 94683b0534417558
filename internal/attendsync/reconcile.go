package attendsync

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reconciler collapses raw join/leave sessions into one canonical attendee
// record per person. Reconciliation is a pure function of the full raw set,
// so repeated runs over the same data yield identical output.
type Reconciler struct {
	classifier RoleClassifier
}

func NewReconciler(classifier RoleClassifier) *Reconciler {
	if classifier == nil {
		classifier = NewHeuristicClassifier(ClassifierConfig{})
	}
	return &Reconciler{classifier: classifier}
}

type ReconcileResult struct {
	Attendees             []ReconciledAttendee
	TotalAttendees        int
	StaffCount            int
	TotalMinutes          int
	AvgAttendanceDuration float64
}

func (r *Reconciler) Reconcile(eventID string, sessions []RawSession) ReconcileResult {
	groups := map[string]*ReconciledAttendee{}
	order := make([]string, 0, len(sessions))
	synthesized := 0

	for _, session := range sessions {
		key := identityKey(session)
		if key == "" {
			// Never silently drop a session: give it a synthetic identity.
			synthesized++
			key = fmt.Sprintf("participant_%d", synthesized)
		}
		group, ok := groups[key]
		if !ok {
			group = &ReconciledAttendee{
				EventID:     eventID,
				IdentityKey: key,
				Email:       strings.TrimSpace(session.Email),
				Name:        strings.TrimSpace(session.Name),
				FirstJoin:   session.JoinTime,
				LastLeave:   session.LeaveTime,
			}
			groups[key] = group
			order = append(order, key)
		}
		group.TotalDurationMinutes += session.DurationMinutes
		group.SessionCount++
		if group.Email == "" {
			group.Email = strings.TrimSpace(session.Email)
		}
		if group.Name == "" {
			group.Name = strings.TrimSpace(session.Name)
		}
		if !session.JoinTime.IsZero() && (group.FirstJoin.IsZero() || session.JoinTime.Before(group.FirstJoin)) {
			group.FirstJoin = session.JoinTime
		}
		if session.LeaveTime.After(group.LastLeave) {
			group.LastLeave = session.LeaveTime
		}
		if group.Role != RoleStaff {
			group.Role = r.classifier.Classify(session.Email, session.Name, session.Role)
		}
	}

	sort.Strings(order)
	result := ReconcileResult{Attendees: make([]ReconciledAttendee, 0, len(order))}
	for _, key := range order {
		group := groups[key]
		result.Attendees = append(result.Attendees, *group)
		if group.Role == RoleStaff {
			result.StaffCount++
			continue
		}
		result.TotalAttendees++
		result.TotalMinutes += group.TotalDurationMinutes
	}
	if result.TotalAttendees > 0 {
		result.AvgAttendanceDuration = float64(result.TotalMinutes) / float64(result.TotalAttendees)
	}
	return result
}

// identityKey picks the first non-empty of email, user id, name. Email keys
// are lowercased so the same person across endpoints lands in one group.
func identityKey(session RawSession) string {
	if email := strings.ToLower(strings.TrimSpace(session.Email)); email != "" {
		return email
	}
	if userID := strings.TrimSpace(session.UserID); userID != "" {
		return userID
	}
	return strings.TrimSpace(session.Name)
}

// zeroAttendeeGrace separates a likely sync failure from an event whose
// report data simply has not landed yet.
const zeroAttendeeGrace = 24 * time.Hour

// ValidateAttendance grades the reconciled outcome for an event. Zero
// attendees on an ended event is a validation error once the event is long
// past, and only a warning while provider reports may still be catching up.
func ValidateAttendance(event Event, result ReconcileResult, now time.Time) ParticipantSyncStatus {
	if result.TotalAttendees > 0 || result.StaffCount > 0 {
		return ParticipantsSynced
	}
	if event.Status != EventEnded {
		if event.StartTime.After(now) {
			return ParticipantsNotApplicable
		}
		return ParticipantsNone
	}
	endedAt := event.StartTime.Add(time.Duration(event.DurationMinutes) * time.Minute)
	if now.Sub(endedAt) > zeroAttendeeGrace {
		return ParticipantsValidationError
	}
	return ParticipantsValidationWarning
}
