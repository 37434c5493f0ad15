package rulesrunner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagesentry/pagesentry/internal/core"
	domainrules "github.com/pagesentry/pagesentry/internal/domain/rules"
	"github.com/pagesentry/pagesentry/internal/observability/statsd"
	rulecache "github.com/pagesentry/pagesentry/internal/service/rules"

	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// iocHostKeyPrefix namespaces the indicator host set in Redis. Keys carry the
// active indicator-set version so a version bump retires the whole set at
// once without a scan.
const iocHostKeyPrefix = "rules:ioc:host"

// processor evaluates one rules job: it loads the event batch, extracts the
// contacted domains, suppresses the allowlisted ones, checks the rest against
// the indicator host set, and dedupes alert decisions per scope.
type processor struct {
	events      core.EventRepository
	coordinator domainrules.JobCoordinator
	allowlist   *rulecache.DomainAllowlistChecker
	deduper     *rulecache.AlertDeduper
	versioner   rulecache.IOCVersioner
	cache       core.CacheRepository
	results     domainrules.ResultStore
	logger      *slog.Logger
	metrics     statsd.Sink
}

// Process is the job handler for rules jobs. Evaluation errors on individual
// events are counted in the result summary rather than failing the job; only
// payload, load, and persist failures surface as a job failure.
func (p *processor) Process(ctx context.Context, job *model.Job) error {
	payload, err := p.coordinator.ParsePayload(job)
	if err != nil {
		return fmt.Errorf("parse rules payload: %w", err)
	}

	events, err := p.events.GetByIDs(ctx, payload.EventIDs)
	if err != nil {
		return fmt.Errorf("load events for job %s: %w", job.ID, err)
	}

	scope := rulecache.ScopeKey{SiteID: payload.SiteID, Scope: payload.Scope}
	start := time.Now()
	results := &domainrules.ProcessingResults{}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.processEvent(ctx, scope, event, results)
	}
	results.ProcessingTime = time.Since(start)

	if marked, err := p.events.MarkProcessedByIDs(ctx, payload.EventIDs); err != nil {
		// The evaluation already happened; a failed mark means the batch may
		// be re-evaluated later, which dedupe absorbs.
		p.logger.WarnContext(ctx, "failed to mark events processed",
			"job_id", job.ID, "err", err)
		results.ErrorsEncountered++
	} else if marked < len(payload.EventIDs) {
		p.logger.DebugContext(ctx, "some events were already processed",
			"job_id", job.ID, "marked", marked, "requested", len(payload.EventIDs))
	}

	if err := p.results.Cache(ctx, job.ID, results); err != nil {
		p.logger.WarnContext(ctx, "failed to cache rules results",
			"job_id", job.ID, "err", err)
	}
	if err := p.results.Persist(ctx, job, results); err != nil {
		return fmt.Errorf("persist rules results for job %s: %w", job.ID, err)
	}

	p.emitResultMetrics(results)
	p.logger.InfoContext(ctx, "rules job processed",
		"job_id", job.ID,
		"site_id", payload.SiteID,
		"scope", payload.Scope,
		"events", len(events),
		"domains", results.DomainsProcessed,
		"alerts", results.AlertsCreated,
		"ioc_matches", results.IOCHostMatches,
		"duration", results.ProcessingTime)
	return nil
}

func (p *processor) processEvent(
	ctx context.Context,
	scope rulecache.ScopeKey,
	event *model.Event,
	results *domainrules.ProcessingResults,
) {
	if event == nil {
		results.EventsSkipped++
		return
	}

	domain, ok := networkEventHost(event.EventType, event.EventData)
	if !ok {
		results.EventsSkipped++
		return
	}
	results.DomainsProcessed++

	if p.allowlist.Allowed(ctx, scope, domain) {
		results.UnknownDomain.SuppressedAllowlist.Record(domain)
		return
	}
	results.UnknownDomains++

	iocMatch := p.iocHostMatch(ctx, domain)
	if iocMatch {
		results.IOCHostMatches++
		results.IOC.Matches.Record(domain)
	}

	shouldAlert, err := p.deduper.ShouldAlert(ctx, scope, signatureDoc(domain, event))
	if err != nil {
		p.logger.ErrorContext(ctx, "alert dedupe failed",
			"domain", domain, "site_id", scope.SiteID, "scope", scope.Scope, "err", err)
		results.ErrorsEncountered++
		results.UnknownDomain.Errors.Record(domain)
		return
	}
	if !shouldAlert {
		results.UnknownDomain.SuppressedDedupe.Record(domain)
		if iocMatch {
			results.IOC.AlertsMuted.Record(domain)
		}
		return
	}

	results.AlertsCreated++
	results.UnknownDomain.Alerted.Record(domain)
	if iocMatch {
		results.IOC.Alerts.Record(domain)
	}
	p.logger.WarnContext(ctx, "unknown domain contacted",
		"domain", domain,
		"site_id", scope.SiteID,
		"scope", scope.Scope,
		"event_id", event.ID,
		"event_type", event.EventType,
		"ioc_match", iocMatch)
}

// iocHostMatch reports whether the domain is listed in the current indicator
// host set. The set lives in Redis under version-prefixed keys published by
// the indicator feed; a missing cache or version means no match.
func (p *processor) iocHostMatch(ctx context.Context, domain string) bool {
	if p.cache == nil || p.versioner == nil {
		return false
	}
	version, err := p.versioner.Current(ctx)
	if err != nil || version == "" {
		return false
	}
	exists, err := p.cache.Exists(ctx, fmt.Sprintf("%s:%s:%s", iocHostKeyPrefix, version, domain))
	if err != nil {
		p.logger.DebugContext(ctx, "ioc host lookup failed", "domain", domain, "err", err)
		return false
	}
	return exists
}

// signatureDoc builds the document the dedupe fingerprint expressions are
// evaluated against.
func signatureDoc(domain string, event *model.Event) map[string]any {
	return map[string]any{
		"domain":     domain,
		"event_type": event.EventType,
		"session_id": event.SessionID,
	}
}

func (p *processor) emitResultMetrics(results *domainrules.ProcessingResults) {
	if p.metrics == nil {
		return
	}
	p.metrics.Count("rules.events_processed", int64(results.DomainsProcessed), nil)
	p.metrics.Count("rules.events_skipped", int64(results.EventsSkipped), nil)
	p.metrics.Count("rules.unknown_domains", int64(results.UnknownDomains), nil)
	p.metrics.Count("rules.alerts_created", int64(results.AlertsCreated), nil)
	p.metrics.Count("rules.ioc_host_matches", int64(results.IOCHostMatches), nil)
	p.metrics.Count("rules.errors", int64(results.ErrorsEncountered), nil)
	p.metrics.Timing("rules.processing_time", results.ProcessingTime, nil)
}
