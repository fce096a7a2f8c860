package notify

import (
	"strconv"

	"evcharge/internal/models"
)

func UserGroup(id int64) string    { return "user-" + strconv.FormatInt(id, 10) }
func StationGroup(id int64) string { return "station-" + strconv.FormatInt(id, 10) }
func SessionGroup(id int64) string { return "session-" + strconv.FormatInt(id, 10) }

// Audience returns the groups that receive t: the owning user, the station
// when the spot display changes, and the session stream for progress.
func Audience(t models.Transition) []string {
	groups := make([]string, 0, 3)
	if t.UserID > 0 {
		groups = append(groups, UserGroup(t.UserID))
	}
	if t.SpotVisible && t.StationID > 0 {
		groups = append(groups, StationGroup(t.StationID))
	}
	if t.EventType == models.EventTypeSessionProgress && t.SessionID > 0 {
		groups = append(groups, SessionGroup(t.SessionID))
	}
	return groups
}
