// Package reconcile decides, for each legacy content unit, whether its
// destination equivalent must be created, linked, or was already migrated.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
	"github.com/reloquent/carryover/internal/registry"
	"github.com/reloquent/carryover/internal/store"
)

// Outcome is what a reconcile call did.
type Outcome string

const (
	// Created means a new destination content object was persisted.
	Created Outcome = "created"
	// Linked means an existing destination object with the same natural key
	// was claimed.
	Linked Outcome = "linked"
	// Skipped means the unit was already processed by an earlier call.
	Skipped Outcome = "skipped"
)

// Result of reconciling one legacy unit.
type Result struct {
	DestinationID uuid.UUID
	Outcome       Outcome
}

// Created reports whether the call created the destination object.
func (r Result) Created() bool {
	return r.Outcome == Created
}

// TypeResolver resolves a legacy type identifier.
type TypeResolver interface {
	Resolve(typeID string) (registry.ContentType, error)
}

// Reconciler owns the MigrationRecord linkage.
type Reconciler struct {
	store  store.Store
	types  TypeResolver
	logger *slog.Logger
}

// New creates a Reconciler.
func New(st store.Store, types TypeResolver, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, types: types, logger: logger}
}

// Reconcile maps d onto exactly one destination content object. It is
// atomic per legacy id and safe to call again for the same unit: later calls
// return the same destination id and create nothing.
//
// Once started, a call is not interrupted by ctx cancellation; callers check
// for cancellation between units.
func (r *Reconciler) Reconcile(ctx context.Context, d model.LegacyContentDescriptor) (Result, error) {
	ct, err := r.types.Resolve(d.TypeID)
	if err != nil {
		return Result{}, apperrors.WithItem(err, d.TypeID, d.LegacyID)
	}
	ctx = context.WithoutCancel(ctx)

	rec, err := r.store.GetMigrationRecord(ctx, d.LegacyID)
	switch {
	case err == nil:
		if res, done, err := processedResult(rec, d); done || err != nil {
			return res, err
		}
	case !errors.Is(err, apperrors.ErrNotFound):
		return Result{}, apperrors.WithItem(fmt.Errorf("reading migration record: %w", err), d.TypeID, d.LegacyID)
	}

	key, err := ct.NaturalKey(d)
	if err != nil {
		return Result{}, apperrors.WithItem(fmt.Errorf("extracting natural key: %w", err), d.TypeID, d.LegacyID)
	}

	var res Result
	err = r.store.InTx(ctx, func(tx store.Tx) error {
		rec, err := tx.LockRecord(ctx, d.LegacyID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if err == nil {
			// Another caller may have finished the unit since the fast path.
			prev, done, err := processedResult(rec, d)
			if done || err != nil {
				res = prev
				return err
			}
		} else {
			pending := model.PendingRecord(d)
			rec = &pending
		}

		matches, err := tx.FindContentByKey(ctx, ct.Destination.Type, key)
		if err != nil {
			return err
		}
		if len(matches) > 1 {
			return apperrors.Consistency(d.TypeID, d.LegacyID,
				"%d destination %s objects match natural key %s", len(matches), ct.Destination.Type, key)
		}

		rec.TypeID = d.TypeID
		rec.LegacyLastUpdated = d.LastUpdated
		rec.StoragePath = d.StoragePath
		rec.Downloaded = d.Downloaded

		if len(matches) == 1 {
			match := matches[0].ID
			if rec.DestinationID != nil && *rec.DestinationID != match {
				return apperrors.Consistency(d.TypeID, d.LegacyID,
					"record claims destination %s but natural key %s matches %s", *rec.DestinationID, key, match)
			}
			rec.DestinationID = &match
			rec.Processed = true
			if err := tx.SaveRecord(ctx, rec); err != nil {
				return err
			}
			res = Result{DestinationID: match, Outcome: Linked}
			return nil
		}

		if rec.DestinationID != nil {
			exists, err := tx.ContentExists(ctx, *rec.DestinationID)
			if err != nil {
				return err
			}
			if exists {
				return apperrors.Consistency(d.TypeID, d.LegacyID,
					"record claims destination %s whose natural key differs from %s", *rec.DestinationID, key)
			}
		}

		content, err := ct.Transform(d)
		if err != nil {
			return fmt.Errorf("transforming: %w", err)
		}
		content.ID = uuid.New()
		content.Type = ct.Destination.Type
		content.NaturalKey = key
		if err := tx.InsertContent(ctx, &content); err != nil {
			return err
		}

		id := content.ID
		rec.DestinationID = &id
		rec.Processed = true
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		res = Result{DestinationID: id, Outcome: Created}
		return nil
	})
	if err != nil {
		return Result{}, apperrors.WithItem(err, d.TypeID, d.LegacyID)
	}

	r.logger.Debug("reconciled content", "type", d.TypeID, "legacy_id", d.LegacyID,
		"destination_id", res.DestinationID, "outcome", res.Outcome)
	return res, nil
}

// processedResult short-circuits a record that was already processed. done
// is false when the record still needs work.
func processedResult(rec *model.MigrationRecord, d model.LegacyContentDescriptor) (Result, bool, error) {
	if rec.TypeID != d.TypeID {
		return Result{}, true, apperrors.Consistency(d.TypeID, d.LegacyID,
			"legacy id already recorded as type %s", rec.TypeID)
	}
	if !rec.Processed {
		return Result{}, false, nil
	}
	if rec.DestinationID == nil {
		return Result{}, true, apperrors.Consistency(d.TypeID, d.LegacyID, "processed record has no destination")
	}
	return Result{DestinationID: *rec.DestinationID, Outcome: Skipped}, true, nil
}

// Resolve returns the destination id of a reconciled legacy unit. Units
// without a processed record fail with DependencyNotMigratedError.
func (r *Reconciler) Resolve(ctx context.Context, legacyID string) (uuid.UUID, error) {
	rec, err := r.store.GetMigrationRecord(ctx, legacyID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return uuid.Nil, apperrors.DependencyNotMigrated("", []string{legacyID})
	}
	if err != nil {
		return uuid.Nil, err
	}
	if !rec.Processed || rec.DestinationID == nil {
		return uuid.Nil, apperrors.DependencyNotMigrated("", []string{legacyID})
	}
	return *rec.DestinationID, nil
}
