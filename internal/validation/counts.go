package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/reloquent/carryover/internal/registry"
)

// TypeResult holds the count comparison for one content type.
type TypeResult struct {
	TypeID          string `json:"type_id"`
	Plugin          string `json:"plugin"`
	DestinationType string `json:"destination_type"`
	LegacyCount     int64  `json:"legacy_count"`
	Records         int64  `json:"records"`
	Processed       int64  `json:"processed"`
	Destinations    int64  `json:"destinations"`
	// ContentCount is the number of destination objects of DestinationType,
	// which several legacy types may share.
	ContentCount    int64  `json:"content_count"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
}

// validateType compares the legacy unit count with the migration records of
// the type. The destination side is checked by checkDestinations once every
// type sharing a destination class is known.
func (v *Validator) validateType(ctx context.Context, pluginName string, ct registry.ContentType) (TypeResult, error) {
	typeID := ct.ID
	legacyCount, err := v.Mirror.CountContent(ctx, typeID)
	if err != nil {
		return TypeResult{}, fmt.Errorf("counting legacy %s units: %w", typeID, err)
	}
	counts, err := v.Store.CountRecords(ctx, typeID)
	if err != nil {
		return TypeResult{}, fmt.Errorf("counting %s records: %w", typeID, err)
	}
	contentCount, err := v.Store.CountContent(ctx, ct.Destination.Type)
	if err != nil {
		return TypeResult{}, fmt.Errorf("counting %s content: %w", ct.Destination.Type, err)
	}

	tr := TypeResult{
		TypeID:          typeID,
		Plugin:          pluginName,
		DestinationType: ct.Destination.Type,
		LegacyCount:     legacyCount,
		Records:         counts.Total,
		Processed:       counts.Processed,
		Destinations:    counts.Destinations,
		ContentCount:    contentCount,
		Status:          StatusPass,
	}

	if legacyCount != counts.Total {
		tr.fail(fmt.Sprintf("legacy=%d records=%d (diff=%d)", legacyCount, counts.Total, legacyCount-counts.Total))
	}
	if pending := counts.Pending(); pending > 0 {
		tr.fail(fmt.Sprintf("%d records not reconciled", pending))
	}
	return tr, nil
}

// checkDestinations fails every type of a destination class whose records,
// taken together, point at more objects than the class holds.
func checkDestinations(types []TypeResult) {
	referenced := make(map[string]int64)
	for _, tr := range types {
		referenced[tr.DestinationType] += tr.Destinations
	}
	for i := range types {
		tr := &types[i]
		if n := referenced[tr.DestinationType]; n > tr.ContentCount {
			tr.fail(fmt.Sprintf("%d destinations referenced but only %d %s objects exist", n, tr.ContentCount, tr.DestinationType))
		}
	}
}

func (tr *TypeResult) fail(problem string) {
	tr.Status = StatusFail
	if tr.Message == "" {
		tr.Message = problem
		return
	}
	tr.Message = strings.Join([]string{tr.Message, problem}, "; ")
}
