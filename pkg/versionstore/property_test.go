//go:build property

package versionstore_test

import (
	"reflect"
	"testing"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/versionstore"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func buildDoc(keys []string, values []int) map[string]any {
	doc := map[string]any{}

	for i := 0; i < len(keys) && i < len(values); i++ {
		if keys[i] != "" {
			doc[keys[i]] = values[i]
		}
	}

	return doc
}

// Property: Apply(parent, Diff(parent, child)) == child
func TestDiffApplyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("applying a diff yields the child document", prop.ForAll(
		func(pk []string, pv []int, ck []string, cv []int) bool {
			parent, child := buildDoc(pk, pv), buildDoc(ck, cv)

			ops, err := versionstore.Diff(parent, child)
			if err != nil {
				return false
			}

			got, err := versionstore.Apply(parent, ops)
			if err != nil {
				return false
			}

			want, _ := versionstore.Normalize(child)

			return reflect.DeepEqual(want, got)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}

// Property: every version of a gap-free chain replays to its own snapshot.
func TestReplayMatchesEverySnapshot(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replay(k) equals snapshot k", prop.ForAll(
		func(keys []string, edits [][]int) bool {
			var (
				versions []*models.EntityVersion
				parent   map[string]any
			)

			for i, values := range edits {
				doc := buildDoc(keys, values)

				ops, err := versionstore.Diff(parent, doc)
				if err != nil {
					return false
				}

				versions = append(versions, &models.EntityVersion{Version: int64(i + 1), Snapshot: doc, Diff: ops})
				parent = doc
			}

			for k := range versions {
				if _, err := versionstore.Replay(versions, int64(k+1)); err != nil {
					return false
				}
			}

			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.SliceOf(gen.IntRange(0, 5))),
	))

	properties.TestingRun(t)
}
