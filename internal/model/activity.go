package model

// ActivityColors is the color triple used to render an activity.
type ActivityColors struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
	Accent    string `json:"accent"`
}

// ActivityMessages are the templates shown at each stage of a trip.
type ActivityMessages struct {
	Start    string `json:"start"`
	Checkin  string `json:"checkin"`
	Checkout string `json:"checkout"`
	Overdue  string `json:"overdue"`
}

// Activity is immutable reference data describing a kind of trip.
type Activity struct {
	ID                  int64            `json:"id"`
	Name                string           `json:"name"`
	Icon                string           `json:"icon"`
	DefaultGraceMinutes int              `json:"default_grace_minutes"`
	Colors              ActivityColors   `json:"colors"`
	Messages            ActivityMessages `json:"messages"`
	SafetyTips          []string         `json:"safety_tips"`
	SortOrder           int              `json:"order"`

	// Placeholder is set when the activity row was missing from the cache
	// and this value was synthesized so the trip could still be shown.
	Placeholder bool `json:"-"`
}

// PlaceholderActivity returns the stand-in used for a trip whose activity
// reference has no cached row.
func PlaceholderActivity(id int64) Activity {
	return Activity{
		ID:                  id,
		Name:                "Activity",
		Icon:                "❓",
		DefaultGraceMinutes: 30,
		Colors:              ActivityColors{Primary: "#6B7280", Secondary: "#9CA3AF", Accent: "#D1D5DB"},
		Placeholder:         true,
	}
}
