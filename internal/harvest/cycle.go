package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"oai_harvester/internal/config"
	"oai_harvester/internal/crosswalk"
	"oai_harvester/internal/domain"
	"oai_harvester/internal/metrics"
	"oai_harvester/internal/oaipmh"
)

// Cycle runs one full harvest for one collection: contact the provider,
// page through records, reconcile them against local items, and persist a
// terminal status on the unit.
type Cycle struct {
	client     Client
	units      UnitStore
	links      LinkStore
	items      ItemStore
	crosswalks *crosswalk.Registry
	tx         TransactionManager
	events     EventPublisher
	alerts     AlertNotifier
	logger     *slog.Logger
	cfg        config.HarvestConfig
}

func NewCycle(
	client Client,
	units UnitStore,
	links LinkStore,
	items ItemStore,
	crosswalks *crosswalk.Registry,
	tx TransactionManager,
	events EventPublisher,
	alerts AlertNotifier,
	logger *slog.Logger,
	cfg config.HarvestConfig,
) *Cycle {
	return &Cycle{
		client:     client,
		units:      units,
		links:      links,
		items:      items,
		crosswalks: crosswalks,
		tx:         tx,
		events:     events,
		alerts:     alerts,
		logger:     logger.With("component", "harvest_cycle"),
		cfg:        cfg,
	}
}

// plan holds everything resolved up front for one cycle run.
type plan struct {
	source       string
	repositoryID string
	granularity  string
	mdPrefix     string
	orePrefix    string
	mdIngestor   crosswalk.Ingestor
	oreIngestor  crosswalk.Ingestor
}

// Run executes the harvest cycle for one collection. The unit is re-read
// from the store so a stale caller cannot start a misconfigured harvest.
// The returned stats are valid even when err is non-nil.
func (c *Cycle) Run(ctx context.Context, collectionID uuid.UUID) (*domain.CycleStats, error) {
	startTime := time.Now().UTC()
	stats := &domain.CycleStats{CollectionID: collectionID}
	logger := c.logger.With("collection_id", collectionID)

	// Finalization must survive a cancelled harvest context.
	finCtx := context.WithoutCancel(ctx)

	unit, err := c.units.FindByCollection(finCtx, collectionID)
	if err != nil {
		return stats, fmt.Errorf("load harvest unit: %w", err)
	}
	if unit == nil {
		return stats, fmt.Errorf("no harvest unit for collection %s", collectionID)
	}

	if !unit.Harvestable() {
		failure := unknownFailure(nil, "collection %s is not configured for harvesting", collectionID)
		c.finalize(finCtx, unit, startTime, stats, failure, logger)
		return stats, failure
	}

	unit.Status = domain.StatusBusy
	unit.HarvestStartTime = &startTime
	unit.Message = "harvest is initializing"
	if err := c.units.Update(finCtx, unit); err != nil {
		return stats, fmt.Errorf("mark unit busy: %w", err)
	}

	logger.Info("starting harvest",
		"source", *unit.OAISource,
		"set", unit.Set(),
		"format", unit.MetadataFormat,
		"type", unit.HarvestType,
	)

	runErr := c.run(ctx, unit, startTime, stats)
	stats.Duration = time.Since(startTime)
	c.finalize(finCtx, unit, startTime, stats, runErr, logger)

	return stats, runErr
}

// finalize persists the terminal status and message for this cycle and
// raises an operator alert on failure.
func (c *Cycle) finalize(ctx context.Context, unit *domain.HarvestUnit, startTime time.Time, stats *domain.CycleStats, runErr error, logger *slog.Logger) {
	switch {
	case runErr == nil:
		unit.Status = domain.StatusReady
		unit.LastHarvestDate = &startTime
		logger.Info("harvest finished",
			"fetched", stats.Fetched,
			"created", stats.Created,
			"updated", stats.Updated,
			"deleted", stats.Deleted,
			"skipped", stats.Skipped,
			"errors", stats.Errors,
			"duration", stats.Duration,
		)
	default:
		var failure *Failure
		if errors.As(runErr, &failure) && failure.Kind == KindOAI {
			unit.Status = domain.StatusOAIError
		} else {
			unit.Status = domain.StatusUnknownError
		}
		unit.Message = rootMessage(runErr)
		logger.Error("harvest failed", "status", unit.Status, "error", runErr)

		alert := domain.Alert{
			CollectionID: unit.CollectionID,
			Status:       unit.Status,
			Message:      unit.Message,
			Detail:       runErr.Error(),
			OccurredAt:   time.Now().UTC(),
		}
		if err := c.alerts.Notify(ctx, alert); err != nil {
			logger.Warn("unable to send operator alert", "error", err)
		}
	}

	metrics.CyclesTotal.WithLabelValues(unit.Status.String()).Inc()
	metrics.CycleDuration.Observe(stats.Duration.Seconds())

	if err := c.units.Update(ctx, unit); err != nil {
		logger.Error("failed to persist harvest outcome", "error", err)
	}
}

func rootMessage(err error) string {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Message
	}
	return err.Error()
}

// run drives the fetch/reconcile/ingest loop. It mutates unit.Message for
// the success path ("no updates") and returns a *Failure for anything that
// must flip the unit into an error status.
func (c *Cycle) run(ctx context.Context, unit *domain.HarvestUnit, startTime time.Time, stats *domain.CycleStats) error {
	source := *unit.OAISource

	p, err := c.resolvePlan(ctx, unit)
	if err != nil {
		return err
	}

	args := oaipmh.ListArgs{
		Until:  oaipmh.FormatDate(startTime, p.granularity, 0),
		Set:    unit.Set(),
		Prefix: p.mdPrefix,
	}
	if unit.LastHarvestDate != nil {
		args.From = oaipmh.FormatDate(*unit.LastHarvestDate, p.granularity, c.cfg.DatePadding)
	}

	deadline := startTime.Add(c.cfg.CycleTimeout)

	resp, err := c.client.ListRecords(ctx, source, args)
	if err != nil {
		return oaiFailure(err, "the OAI server did not respond")
	}

	var totalSize int64
	var processed int64

	for {
		if len(resp.Errors) > 0 {
			if oaipmh.HasOnly(resp.Errors, oaipmh.ErrNoRecordsMatch) {
				c.logger.Info("no updates on OAI server", "collection_id", unit.CollectionID)
				unit.Message = "OAI server did not contain any updates; no updates harvested"
				return nil
			}
			return oaiFailure(nil, "OAI server returned errors: %s", oaipmh.JoinErrors(resp.Errors))
		}

		if resp.CompleteListSize > 0 {
			totalSize = resp.CompleteListSize
		}

		for _, record := range resp.Records {
			select {
			case <-ctx.Done():
				return unknownFailure(ctx.Err(), "harvest of collection %s interrupted by stop signal", unit.CollectionID)
			default:
			}
			if time.Now().After(deadline) {
				return unknownFailure(nil, "harvest of collection %s timed out after %s", unit.CollectionID, c.cfg.CycleTimeout)
			}

			processed++
			stats.Fetched++

			if err := c.processRecord(ctx, unit, p, record, stats); err != nil {
				var failure *Failure
				if errors.As(err, &failure) || errors.Is(err, ErrHandleCollision) {
					return err
				}
				// Partial-failure boundary: one bad record must not
				// abort the cycle. It stays unharvested until the next
				// scheduled run.
				stats.Errors++
				c.logger.Error("record processing failed",
					"collection_id", unit.CollectionID,
					"oai_id", record.Header.Identifier,
					"error", err,
				)
			}
		}

		unit.Message = fmt.Sprintf("collection is currently being harvested (item %d of %d)", processed, totalSize)
		if err := c.units.Update(ctx, unit); err != nil {
			c.logger.Warn("unable to update harvest progress", "error", err)
		}

		if resp.ResumptionToken == "" {
			break
		}
		resp, err = c.client.ListRecordsToken(ctx, source, resp.ResumptionToken)
		if err != nil {
			return oaiFailure(err, "the OAI server did not respond")
		}
	}

	unit.Message = fmt.Sprintf("harvest from %s successful", source)
	return nil
}

// resolvePlan queries Identify and ListMetadataFormats once and resolves the
// configured format keys into the provider's metadata prefixes.
func (c *Cycle) resolvePlan(ctx context.Context, unit *domain.HarvestUnit) (*plan, error) {
	source := *unit.OAISource

	ident, err := c.client.Identify(ctx, source)
	if err != nil {
		return nil, oaiFailure(err, "the OAI server did not respond")
	}

	repositoryID := ident.RepositoryIdentifier
	if repositoryID == "" {
		// Some providers omit the oai-identifier description block.
		repositoryID = unit.CollectionID.String()
	}

	namespaceURI, ok := c.cfg.MetadataFormats[unit.MetadataFormat]
	if !ok {
		return nil, oaiFailure(nil, "no metadata namespace configured for format %q", unit.MetadataFormat)
	}

	formats, ferrs, err := c.client.ListMetadataFormats(ctx, source)
	if err != nil {
		return nil, oaiFailure(err, "the OAI server did not respond")
	}
	if len(ferrs) > 0 {
		return nil, oaiFailure(nil, "OAI server returned errors: %s", oaipmh.JoinErrors(ferrs))
	}

	mdPrefix := oaipmh.ResolvePrefix(formats, namespaceURI)
	if mdPrefix == "" {
		return nil, oaiFailure(nil, "metadata format %q (%s) not supported by the OAI server", unit.MetadataFormat, namespaceURI)
	}

	mdIngestor, err := c.crosswalks.Resolve(unit.MetadataFormat)
	if err != nil {
		return nil, oaiFailure(err, "no ingestion crosswalk for format %q", unit.MetadataFormat)
	}

	p := &plan{
		source:       source,
		repositoryID: repositoryID,
		granularity:  ident.Granularity,
		mdPrefix:     mdPrefix,
		mdIngestor:   mdIngestor,
	}

	if unit.HarvestType > domain.HarvestMetadataOnly {
		orePrefix := oaipmh.ResolvePrefix(formats, c.cfg.ORENamespace)
		if orePrefix == "" {
			// Structural dissemination is mandatory only for full-content
			// harvests; reference harvests degrade to metadata with a
			// warning.
			if unit.HarvestType == domain.HarvestMetadataAndFull {
				return nil, oaiFailure(nil, "the OAI server does not support ORE dissemination (%s)", c.cfg.ORENamespace)
			}
			c.logger.Warn("OAI server does not support ORE dissemination, skipping structural enrichment",
				"collection_id", unit.CollectionID,
				"namespace", c.cfg.ORENamespace,
			)
		} else {
			oreIngestor, err := c.crosswalks.Resolve(c.cfg.OREFormatKey)
			if err != nil {
				return nil, oaiFailure(err, "no ingestion crosswalk for format %q", c.cfg.OREFormatKey)
			}
			p.orePrefix = orePrefix
			p.oreIngestor = oreIngestor
		}
	}

	return p, nil
}

// processRecord reconciles a single remote record against the local store.
// A returned *Failure (or handle collision) aborts the whole cycle; any
// other error is scoped to this record.
func (c *Cycle) processRecord(ctx context.Context, unit *domain.HarvestUnit, p *plan, record oaipmh.Record, stats *domain.CycleStats) error {
	oaiID := record.Header.Identifier
	now := time.Now().UTC()

	link, err := c.links.FindByOAIID(ctx, unit.CollectionID, oaiID)
	if err != nil {
		return fmt.Errorf("look up record link: %w", err)
	}

	var item *domain.Item
	if link != nil {
		item, err = c.items.FindByID(ctx, link.ItemID)
		if err != nil {
			return fmt.Errorf("load linked item: %w", err)
		}
	}

	localID := p.repositoryID + "/" + oaiID
	if item == nil {
		// The record may exist locally without a link, e.g. imported by
		// other means. Re-link it instead of creating a duplicate.
		item, err = c.items.FindByLocalIdentifier(ctx, unit.CollectionID, localID)
		if err != nil {
			return fmt.Errorf("look up item by local identifier: %w", err)
		}
	}

	if record.Header.Deleted() {
		if item == nil {
			stats.Skipped++
			return nil
		}
		err := c.tx.WithTransaction(ctx, func(txCtx context.Context) error {
			return c.items.RemoveFromCollection(txCtx, unit.CollectionID, item.ID)
		})
		if err != nil {
			return fmt.Errorf("remove deleted item: %w", err)
		}
		stats.Deleted++
		c.publishEvent(ctx, domain.RecordEvent{
			Action:       domain.RecordDeleted,
			CollectionID: unit.CollectionID,
			ItemID:       item.ID,
			OAIID:        oaiID,
			Timestamp:    now,
		})
		return nil
	}

	if link != nil {
		datestamp, err := record.Header.DatestampTime()
		if err != nil {
			return err
		}
		if link.LastHarvestDate.After(datestamp) {
			// Local copy is newer than what the server reports; this is a
			// stale or duplicate delivery.
			stats.Skipped++
			return nil
		}
	}

	var orePayload []byte
	if p.oreIngestor != nil {
		oreRecord, oreErrs, err := c.client.GetRecord(ctx, p.source, oaiID, p.orePrefix)
		if err != nil {
			return oaiFailure(err, "the OAI server did not respond during ORE retrieval")
		}
		if len(oreErrs) > 0 {
			return oaiFailure(nil, "OAI server returned errors during ORE retrieval: %s", oaipmh.JoinErrors(oreErrs))
		}
		orePayload = oreRecord.Payload()
	}

	isNew := item == nil
	err = c.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if isNew {
			item, err = c.items.Create(txCtx, unit.CollectionID)
			if err != nil {
				return fmt.Errorf("create item: %w", err)
			}
		}

		if err := p.mdIngestor.Ingest(item, record.Payload()); err != nil {
			return fmt.Errorf("ingest metadata for %s: %w", oaiID, err)
		}
		if p.oreIngestor != nil {
			if err := p.oreIngestor.Ingest(item, orePayload); err != nil {
				return fmt.Errorf("ingest structural metadata for %s: %w", oaiID, err)
			}
		}

		item.LocalIdentifier = &localID

		if isNew {
			if err := c.assignHandle(txCtx, item, oaiID); err != nil {
				return err
			}
		}

		item.AddMetadata("dc", "description", "provenance", "en",
			fmt.Sprintf("Item created via OAI harvest from source: %s on %s (GMT). Item's OAI Record identifier: %s",
				p.source, now.Format("2006-01-02 15:04:05"), oaiID))

		if err := c.items.Update(txCtx, item); err != nil {
			return fmt.Errorf("persist item: %w", err)
		}

		return c.links.Upsert(txCtx, &domain.HarvestedRecordLink{
			ItemID:          item.ID,
			CollectionID:    unit.CollectionID,
			OAIID:           oaiID,
			LastHarvestDate: now,
		})
	})
	if err != nil {
		return err
	}

	action := domain.RecordUpdated
	if isNew {
		stats.Created++
		action = domain.RecordCreated
	} else {
		stats.Updated++
	}
	c.publishEvent(ctx, domain.RecordEvent{
		Action:       action,
		CollectionID: unit.CollectionID,
		ItemID:       item.ID,
		OAIID:        oaiID,
		Timestamp:    now,
	})
	metrics.RecordsTotal.WithLabelValues(string(action)).Inc()

	return nil
}

// assignHandle scans the freshly ingested metadata for an identifier that
// names a handle on an accepted handle server. A handle already present
// locally is a dangerous identifier conflict and aborts the cycle.
func (c *Cycle) assignHandle(ctx context.Context, item *domain.Item, oaiID string) error {
	handle := c.extractHandle(item)
	if handle == "" {
		return nil
	}

	existing, err := c.items.FindByHandle(ctx, handle)
	if err != nil {
		return fmt.Errorf("check handle %s: %w", handle, err)
	}
	if existing != nil {
		return fmt.Errorf("%w: attempted to re-assign handle %q to incoming harvested item %q",
			ErrHandleCollision, handle, oaiID)
	}

	item.Handle = &handle
	return nil
}

// extractHandle returns "prefix/suffix" when a dc.identifier value points at
// an accepted handle server and does not carry a rejected prefix.
func (c *Cycle) extractHandle(item *domain.Item) string {
	for _, mv := range item.Metadata {
		if mv.Schema != "dc" || mv.Element != "identifier" {
			continue
		}
		//     0   1       2          3     4
		// https: / /hdl.handle.net /1234 /12
		pieces := strings.Split(mv.Value, "/")
		if len(pieces) != 5 {
			continue
		}
		for _, server := range c.cfg.AcceptedHandleServers {
			if pieces[2] != server {
				continue
			}
			rejected := false
			for _, prefix := range c.cfg.RejectedHandlePrefixes {
				if pieces[3] == prefix {
					rejected = true
					break
				}
			}
			if !rejected {
				return pieces[3] + "/" + pieces[4]
			}
		}
	}
	return ""
}

func (c *Cycle) publishEvent(ctx context.Context, event domain.RecordEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishRecord(ctx, event); err != nil {
		c.logger.Warn("unable to publish record event",
			"oai_id", event.OAIID,
			"action", event.Action,
			"error", err,
		)
	}
}
