// Package collysource adapts a gocolly collector into the ordered event
// stream consumed by the orchestrator. Pages are visited one at a time so
// the stream stays ordered; backpressure is the channel buffer.
package collysource

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/harvest"
)

const (
	defaultBufferSize      = 64
	defaultShutdownTimeout = 5 * time.Second
	defaultRequestTimeout  = 15 * time.Second
)

// Selectors maps a site's listing markup onto discovered records. Record is
// the repeated container element; the remaining selectors are evaluated
// relative to it, except NextPage and TotalPages which are page-level.
type Selectors struct {
	Record      string
	Link        string
	Title       string
	Description string
	Tags        string
	NextPage    string
	TotalPages  string
}

// SiteConfig describes one crawlable catalog site.
type SiteConfig struct {
	SourceName     string
	StartURL       string
	AllowedDomains []string
	Selectors      Selectors
	EstimatedPages int
	UserAgent      string
	RespectRobots  bool
	Delay          time.Duration
	Timeout        time.Duration
}

// Config controls source construction.
type Config struct {
	// BufferSize bounds the event channel.
	BufferSize int
	// ShutdownTimeout bounds how long the terminal done event waits for a
	// consumer before being dropped.
	ShutdownTimeout time.Duration
}

// Factory builds colly-backed sources from a static site registry.
type Factory struct {
	cfg    Config
	sites  map[string]SiteConfig
	logger *zap.Logger
}

// NewFactory creates a Factory over the configured sites.
func NewFactory(cfg Config, sites map[string]SiteConfig, logger *zap.Logger) *Factory {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, sites: sites, logger: logger}
}

// NewSource starts crawling the given site and returns its event stream.
// The crawl runs until the site is exhausted, opts.MaxPages is reached, or
// RequestStop is called; the stream always terminates with a done event.
func (f *Factory) NewSource(ctx context.Context, siteID string, opts harvest.JobOptions) (harvest.Source, error) {
	site, ok := f.sites[siteID]
	if !ok {
		return nil, &harvest.ValidationError{Field: "site_id", Reason: fmt.Sprintf("unknown site %q", siteID)}
	}
	if err := validateSite(site); err != nil {
		return nil, err
	}

	s := &Source{
		site:            site,
		maxPages:        opts.MaxPages,
		events:          make(chan harvest.SourceEvent, f.cfg.BufferSize),
		stop:            make(chan struct{}),
		shutdownTimeout: f.cfg.ShutdownTimeout,
		estimate:        site.EstimatedPages,
		logger:          f.logger.With(zap.String("site_id", siteID)),
	}
	collector, err := s.newCollector()
	if err != nil {
		return nil, fmt.Errorf("building collector: %w", err)
	}
	s.collector = collector

	go s.run(ctx)
	return s, nil
}

func validateSite(site SiteConfig) error {
	if site.StartURL == "" {
		return &harvest.ValidationError{Field: "start_url", Reason: "must not be empty"}
	}
	if site.Selectors.Record == "" {
		return &harvest.ValidationError{Field: "selectors.record", Reason: "must not be empty"}
	}
	if site.Selectors.Link == "" {
		return &harvest.ValidationError{Field: "selectors.link", Reason: "must not be empty"}
	}
	return nil
}

// Source is a single-job colly crawl exposed as an event stream.
type Source struct {
	site            SiteConfig
	maxPages        int
	events          chan harvest.SourceEvent
	stop            chan struct{}
	stopOnce        sync.Once
	shutdownTimeout time.Duration
	logger          *zap.Logger

	collector *colly.Collector

	// Owned by the run goroutine.
	pages    int
	pageErrs int
	estimate int
	nextURL  string
}

// Events returns the ordered event stream. The channel is closed after the
// done event.
func (s *Source) Events() <-chan harvest.SourceEvent {
	return s.events
}

// RequestStop asks the crawl to stop after the in-flight page. Safe to call
// more than once.
func (s *Source) RequestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Source) newCollector() (*colly.Collector, error) {
	opts := []colly.CollectorOption{}
	if len(s.site.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(s.site.AllowedDomains...))
	}
	if s.site.UserAgent != "" {
		opts = append(opts, colly.UserAgent(s.site.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	collector.IgnoreRobotsTxt = !s.site.RespectRobots

	timeout := s.site.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	collector.SetRequestTimeout(timeout)

	if s.site.Delay > 0 {
		if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Delay: s.site.Delay}); err != nil {
			return nil, fmt.Errorf("setting crawl delay: %w", err)
		}
	}

	collector.OnHTML(s.site.Selectors.Record, s.handleRecord)
	if s.site.Selectors.NextPage != "" {
		collector.OnHTML(s.site.Selectors.NextPage, s.handleNextPage)
	}
	if s.site.Selectors.TotalPages != "" {
		collector.OnHTML(s.site.Selectors.TotalPages, s.handleTotalPages)
	}
	return collector, nil
}

func (s *Source) run(ctx context.Context) {
	defer close(s.events)

	current := s.site.StartURL
	for current != "" {
		if s.stopped() || ctx.Err() != nil {
			break
		}
		if s.maxPages > 0 && s.pages >= s.maxPages {
			break
		}
		s.nextURL = ""
		if err := s.collector.Visit(current); err != nil {
			s.pageErrs++
			s.logger.Warn("page fetch failed", zap.String("url", current), zap.Error(err))
			s.emit(harvest.SourceEvent{
				Kind:    harvest.EventPageError,
				PageURL: current,
				Reason:  err.Error(),
			})
			break
		}
		s.pages++
		s.emit(harvest.SourceEvent{
			Kind:           harvest.EventPage,
			PageURL:        current,
			EstimatedPages: s.estimate,
		})
		current = s.nextURL
	}

	s.finish()
}

// handleRecord fires once per record container on a listing page.
func (s *Source) handleRecord(e *colly.HTMLElement) {
	sel := s.site.Selectors

	record := harvest.DiscoveredRecord{
		URL:    e.Request.AbsoluteURL(e.ChildAttr(sel.Link, "href")),
		Title:  strings.TrimSpace(e.ChildText(sel.Link)),
		Source: s.site.SourceName,
	}
	if sel.Title != "" {
		record.Title = strings.TrimSpace(e.ChildText(sel.Title))
	}
	if sel.Description != "" {
		record.Description = strings.TrimSpace(e.ChildText(sel.Description))
	}
	if sel.Tags != "" {
		for _, tag := range e.ChildTexts(sel.Tags) {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				record.Tags = append(record.Tags, tag)
			}
		}
	}
	record.Metadata = map[string]string{"page_url": e.Request.URL.String()}

	s.emit(harvest.SourceEvent{Kind: harvest.EventRecord, Record: record})
}

func (s *Source) handleNextPage(e *colly.HTMLElement) {
	href := e.Attr("href")
	if href == "" {
		return
	}
	s.nextURL = e.Request.AbsoluteURL(href)
}

// handleTotalPages revises the page estimate upward when pagination exposes
// a larger total. Estimates never shrink mid-crawl.
func (s *Source) handleTotalPages(e *colly.HTMLElement) {
	total, err := strconv.Atoi(strings.TrimSpace(e.Text))
	if err != nil {
		return
	}
	if total > s.estimate {
		s.estimate = total
	}
}

// finish emits the terminal done event. Unlike regular events it is not
// suppressed by a stop request, only bounded by the shutdown timeout.
func (s *Source) finish() {
	success := s.pages > 0 || s.pageErrs == 0
	reason := ""
	if !success {
		reason = "no pages could be fetched"
	}
	done := harvest.SourceEvent{Kind: harvest.EventDone, Success: success, Reason: reason}

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case s.events <- done:
	case <-timer.C:
		s.logger.Warn("dropped terminal event, no consumer",
			zap.Duration("waited", s.shutdownTimeout))
	}
}

// emit delivers an event unless a stop was requested, in which case the
// event is dropped so the crawl can wind down without a consumer.
func (s *Source) emit(evt harvest.SourceEvent) {
	select {
	case s.events <- evt:
	case <-s.stop:
	}
}

func (s *Source) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}
