package collysource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/harvest"
)

const catalogPageOne = `<html><body>
<span class="total-pages">3</span>
<div class="dataset">
  <a class="dataset-link" href="/dataset/water-quality">Water Quality</a>
  <p class="notes">Monthly water quality readings.</p>
  <span class="tag">water</span><span class="tag">environment</span>
</div>
<div class="dataset">
  <a class="dataset-link" href="/dataset/road-budget">Road Budget</a>
  <p class="notes">Annual road maintenance budget.</p>
</div>
<a class="next" href="/datasets?page=2">Next</a>
</body></html>`

const catalogPageTwo = `<html><body>
<span class="total-pages">3</span>
<div class="dataset">
  <a class="dataset-link" href="/dataset/census">Census</a>
  <p class="notes">Population census extracts.</p>
  <span class="tag">population</span>
</div>
</body></html>`

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/datasets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, catalogPageTwo)
			return
		}
		fmt.Fprint(w, catalogPageOne)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSite(t *testing.T, srv *httptest.Server) SiteConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return SiteConfig{
		SourceName:     "uganda-portal",
		StartURL:       srv.URL + "/datasets",
		AllowedDomains: []string{u.Hostname()},
		EstimatedPages: 2,
		Selectors: Selectors{
			Record:      "div.dataset",
			Link:        "a.dataset-link",
			Description: "p.notes",
			Tags:        "span.tag",
			NextPage:    "a.next",
			TotalPages:  "span.total-pages",
		},
	}
}

func collectEvents(t *testing.T, src harvest.Source) []harvest.SourceEvent {
	t.Helper()
	var events []harvest.SourceEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt, ok := <-src.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatalf("source did not finish, got %d events", len(events))
		}
	}
}

func eventsOfKind(events []harvest.SourceEvent, kind harvest.EventKind) []harvest.SourceEvent {
	var out []harvest.SourceEvent
	for _, evt := range events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func TestSourceStreamsRecordsAndPages(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	factory := NewFactory(Config{}, map[string]SiteConfig{"uganda-portal": testSite(t, srv)}, zap.NewNop())

	src, err := factory.NewSource(context.Background(), "uganda-portal", harvest.JobOptions{})
	require.NoError(t, err)

	events := collectEvents(t, src)

	records := eventsOfKind(events, harvest.EventRecord)
	require.Len(t, records, 3)
	first := records[0].Record
	require.Equal(t, srv.URL+"/dataset/water-quality", first.URL)
	require.Equal(t, "Water Quality", first.Title)
	require.Equal(t, "Monthly water quality readings.", first.Description)
	require.Equal(t, []string{"water", "environment"}, first.Tags)
	require.Equal(t, "uganda-portal", first.Source)
	require.Equal(t, srv.URL+"/datasets", first.Metadata["page_url"])

	pages := eventsOfKind(events, harvest.EventPage)
	require.Len(t, pages, 2)
	require.Equal(t, srv.URL+"/datasets", pages[0].PageURL)
	require.Equal(t, 3, pages[0].EstimatedPages, "estimate revised upward from pagination")
	require.Equal(t, srv.URL+"/datasets?page=2", pages[1].PageURL)

	last := events[len(events)-1]
	require.Equal(t, harvest.EventDone, last.Kind)
	require.True(t, last.Success)
	require.Empty(t, eventsOfKind(events, harvest.EventPageError))
}

func TestSourceMaxPagesTruncates(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	factory := NewFactory(Config{}, map[string]SiteConfig{"uganda-portal": testSite(t, srv)}, zap.NewNop())

	src, err := factory.NewSource(context.Background(), "uganda-portal", harvest.JobOptions{MaxPages: 1})
	require.NoError(t, err)

	events := collectEvents(t, src)

	require.Len(t, eventsOfKind(events, harvest.EventRecord), 2)
	require.Len(t, eventsOfKind(events, harvest.EventPage), 1)
	last := events[len(events)-1]
	require.Equal(t, harvest.EventDone, last.Kind)
	require.True(t, last.Success, "a truncated pass still completes normally")
}

func TestSourceRequestStopEndsStream(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	factory := NewFactory(Config{BufferSize: 1}, map[string]SiteConfig{"uganda-portal": testSite(t, srv)}, zap.NewNop())

	src, err := factory.NewSource(context.Background(), "uganda-portal", harvest.JobOptions{})
	require.NoError(t, err)

	first, ok := <-src.Events()
	require.True(t, ok)
	require.Equal(t, harvest.EventRecord, first.Kind)

	src.RequestStop()
	src.RequestStop() // idempotent

	events := append([]harvest.SourceEvent{first}, collectEvents(t, src)...)

	last := events[len(events)-1]
	require.Equal(t, harvest.EventDone, last.Kind)
	for _, evt := range eventsOfKind(events, harvest.EventRecord) {
		require.False(t, strings.Contains(evt.Record.URL, "census"),
			"no page beyond the in-flight one may be visited after a stop")
	}
}

func TestSourceFailsWhenNoPageFetches(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	factory := NewFactory(Config{}, map[string]SiteConfig{"uganda-portal": testSite(t, srv)}, zap.NewNop())
	src, err := factory.NewSource(context.Background(), "uganda-portal", harvest.JobOptions{})
	require.NoError(t, err)

	events := collectEvents(t, src)

	require.Len(t, eventsOfKind(events, harvest.EventPageError), 1)
	last := events[len(events)-1]
	require.Equal(t, harvest.EventDone, last.Kind)
	require.False(t, last.Success)
	require.NotEmpty(t, last.Reason)
}

func TestFactoryRejectsUnknownSite(t *testing.T) {
	t.Parallel()

	factory := NewFactory(Config{}, nil, zap.NewNop())
	_, err := factory.NewSource(context.Background(), "nope", harvest.JobOptions{})
	require.Error(t, err)
	require.True(t, harvest.IsValidation(err))
}
