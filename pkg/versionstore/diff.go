// Package versionstore keeps the gap-free version history of entities as
// RFC 6902 diffs plus full snapshots, and rebuilds past versions by replay.
package versionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/dukex/kernelflow/pkg/models"
)

var (
	ErrVersionGap       = errors.New("version sequence has a gap")
	ErrSnapshotMismatch = errors.New("replayed snapshot does not match stored snapshot")
)

// Normalize returns a JSON round-tripped copy of doc so numbers, nested maps
// and slices have the shapes any stored document decodes to. A nil doc
// normalizes to an empty map.
func Normalize(doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return map[string]any{}, nil
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	return out, nil
}

// Diff returns the ordered patch that turns parent into child. A nil parent
// is the empty document.
func Diff(parent, child map[string]any) ([]models.PatchOp, error) {
	source, err := Normalize(parent)
	if err != nil {
		return nil, err
	}

	target, err := Normalize(child)
	if err != nil {
		return nil, err
	}

	patch, err := jsondiff.Compare(source, target)
	if err != nil {
		return nil, fmt.Errorf("failed to compare documents: %w", err)
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}

	ops := []models.PatchOp{}
	if len(patch) == 0 {
		return ops, nil
	}

	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}

	return ops, nil
}

// Apply returns doc with ops applied. doc is not modified.
func Apply(doc map[string]any, ops []models.PatchOp) (map[string]any, error) {
	base, err := Normalize(doc)
	if err != nil {
		return nil, err
	}

	if len(ops) == 0 {
		return base, nil
	}

	rawOps, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(rawOps)
	if err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}

	rawDoc, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	patched, err := patch.Apply(rawDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("failed to decode patched document: %w", err)
	}

	return out, nil
}

// Replay rebuilds the snapshot of version k from the diffs of versions 1..k.
// versions must be ascending and start at 1. The result is cross-checked
// against the snapshot stored for k.
func Replay(versions []*models.EntityVersion, k int64) (map[string]any, error) {
	if k < 1 || int64(len(versions)) < k {
		return nil, fmt.Errorf("replay to version %d over %d versions: %w", k, len(versions), ErrVersionGap)
	}

	doc := map[string]any{}

	for i := range k {
		v := versions[i]
		if v.Version != i+1 {
			return nil, fmt.Errorf("expected version %d, found %d: %w", i+1, v.Version, ErrVersionGap)
		}

		next, err := Apply(doc, v.Diff)
		if err != nil {
			return nil, fmt.Errorf("replay version %d: %w", v.Version, err)
		}

		doc = next
	}

	stored, err := Normalize(versions[k-1].Snapshot)
	if err != nil {
		return nil, err
	}

	if !reflect.DeepEqual(doc, stored) {
		return nil, fmt.Errorf("version %d: %w", k, ErrSnapshotMismatch)
	}

	return doc, nil
}
