package site

import (
	"encoding/json"
	"time"
)

// DemoSlug is the route of the built-in demo microsite.
const DemoSlug = "demo"

var demoConfig = json.RawMessage(`{
  "theme": "classic",
  "hero": {
    "title": "Our Story",
    "tagline": "A love story in three seasons",
    "badge": "New Episode"
  },
  "rows": [
    {
      "title": "Season 1: How We Met",
      "episodes": [
        {"title": "The Coffee Shop", "duration": "4 min", "description": "Two strangers, one last croissant."},
        {"title": "First Date", "duration": "6 min", "description": "Dinner ran late. Neither of us minded."}
      ]
    },
    {
      "title": "Season 2: Adventures",
      "episodes": [
        {"title": "Road Trip", "duration": "8 min", "description": "Wrong turns, right company."},
        {"title": "Moving In", "duration": "5 min", "description": "Too many boxes, one couch."}
      ]
    },
    {
      "title": "Season 3: Forever",
      "episodes": [
        {"title": "The Question", "duration": "3 min", "description": "She said yes."}
      ]
    }
  ],
  "music": {"enabled": false}
}`)

// DemoSite returns the built-in demo microsite. It needs no backend.
func DemoSite() *Site {
	created := time.Date(2024, time.February, 14, 0, 0, 0, 0, time.UTC)
	return &Site{
		ID:        "demo",
		Slug:      DemoSlug,
		Title:     "Our Story",
		Config:    append(json.RawMessage(nil), demoConfig...),
		CreatedAt: created,
		UpdatedAt: created,
	}
}
