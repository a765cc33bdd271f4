package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"upsagent/internal/events"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 100
)

// journalPage is the body of GET /api/events
type journalPage struct {
	Events []events.Event `json:"events"`
	LastID int64          `json:"lastId"`
}

// journalQuery selects a page of the journal. A positive since returns
// every event after that ID; otherwise the newest limit events are returned.
type journalQuery struct {
	since int64
	limit int
}

func parseJournalQuery(q url.Values) (journalQuery, error) {
	jq := journalQuery{limit: defaultEventLimit}

	if v := q.Get("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			return jq, fmt.Errorf("since must be a non-negative event ID, got %q", v)
		}
		jq.since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxEventLimit {
			return jq, fmt.Errorf("limit must be between 1 and %d, got %q", maxEventLimit, v)
		}
		jq.limit = limit
	}
	return jq, nil
}

// journalHandler serves the lifecycle journal
func journalHandler(store *events.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jq, err := parseJournalQuery(r.URL.Query())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		page := journalPage{LastID: store.LastID()}
		if jq.since > 0 {
			page.Events = store.GetSince(jq.since)
		} else {
			page.Events = store.GetLast(jq.limit)
		}
		if page.Events == nil {
			page.Events = []events.Event{}
		}
		writeJSON(w, http.StatusOK, page)
	}
}
