package zstddict

import (
	"context"
	"testing"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/oid"
)

const testDictClassId oid.Oid = 9000

type fakeSamples struct {
	rows [][]byte
}

func (f fakeSamples) Rows(ctx context.Context, classId oid.Oid, column string, maxRows int) ([][]byte, error) {
	if len(f.rows) > maxRows {
		return f.rows[:maxRows], nil
	}
	return f.rows, nil
}

type fakeJSONB struct {
	scalars [][]byte
}

func (f fakeJSONB) StringScalars(doc []byte) [][]byte {
	return f.scalars
}

func newAccessor() *catalog.Accessor {
	cat := catalog.New(nil)
	cat.DefineRelation(testDictClassId, "dictid", nil)
	return cat
}

func TestBuildRejectsNonOrdinaryTable(t *testing.T) {
	c := &Creator{Cat: newAccessor()}
	_, err := c.Build(context.Background(), Spec{
		Relation: RelationInfo{IsOrdinaryTable: false},
	})
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.FeatureNotSupported {
		t.Fatalf("want FeatureNotSupported, got %v", err)
	}
}

func TestBuildRejectsNonZstdColumn(t *testing.T) {
	c := &Creator{Cat: newAccessor()}
	_, err := c.Build(context.Background(), Spec{
		Relation: RelationInfo{IsOrdinaryTable: true, ColumnZstd: false},
	})
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.ObjectNotInPrerequisiteState {
		t.Fatalf("want ObjectNotInPrerequisiteState, got %v", err)
	}
}

func TestBuildRejectsOptedOutColumn(t *testing.T) {
	c := &Creator{Cat: newAccessor()}
	_, err := c.Build(context.Background(), Spec{
		Relation: RelationInfo{IsOrdinaryTable: true, ColumnZstd: true, ColumnOptedOut: true},
	})
	kind, ok := catalogerr.KindOf(err)
	if !ok || kind != catalogerr.ObjectNotInPrerequisiteState {
		t.Fatalf("want ObjectNotInPrerequisiteState, got %v", err)
	}
}

func TestBuildPlainColumnTrainsFromSampleSource(t *testing.T) {
	c := &Creator{
		Cat:     newAccessor(),
		Samples: fakeSamples{rows: [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}},
	}
	row, err := c.Build(context.Background(), Spec{
		Relation: RelationInfo{
			ClassId:         42,
			IsOrdinaryTable: true,
			ColumnName:      "payload",
			ColumnZstd:      true,
		},
		DictSize:     64,
		DictClassId:  testDictClassId,
		DictIdColumn: "dictid",
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if row.Id == oid.InvalidOid {
		t.Fatal("expected a valid dictionary id")
	}
	if len(row.Blob) == 0 {
		t.Fatal("expected a non-empty trained dictionary blob")
	}
}

func TestBuildJSONBSpecializationDedupesAndRanks(t *testing.T) {
	c := &Creator{
		Cat: newAccessor(),
		Samples: fakeSamples{
			rows: [][]byte{[]byte(`{"a":"x"}`), []byte(`{"a":"y"}`)},
		},
		JSONB: fakeJSONB{scalars: [][]byte{[]byte("repeated"), []byte("repeated"), []byte("once")}},
	}
	row, err := c.Build(context.Background(), Spec{
		Relation: RelationInfo{
			ClassId:         7,
			IsOrdinaryTable: true,
			ColumnName:      "doc",
			ColumnZstd:      true,
			ColumnIsJSONB:   true,
		},
		DictSize:     256,
		DictClassId:  testDictClassId,
		DictIdColumn: "dictid",
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(row.Blob) == 0 {
		t.Fatal("expected a non-empty trained dictionary blob")
	}
}

func TestBuildFailsWithNoSamples(t *testing.T) {
	c := &Creator{Cat: newAccessor(), Samples: fakeSamples{}}
	_, err := c.Build(context.Background(), Spec{
		Relation: RelationInfo{IsOrdinaryTable: true, ColumnZstd: true, ColumnName: "empty"},
	})
	if err == nil {
		t.Fatal("expected an error when no training samples are available")
	}
}

func TestSequentialBuildsAllocateIncreasingDictionaryIds(t *testing.T) {
	cat := newAccessor()
	c := &Creator{
		Cat:     cat,
		Samples: fakeSamples{rows: [][]byte{[]byte("one"), []byte("two")}},
	}
	spec := Spec{
		Relation: RelationInfo{
			ClassId:         1,
			IsOrdinaryTable: true,
			ColumnName:      "c",
			ColumnZstd:      true,
		},
		DictSize:     32,
		DictClassId:  testDictClassId,
		DictIdColumn: "dictid",
	}

	first, err := c.Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("first build failed: %v", err)
	}
	second, err := c.Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("second build failed: %v", err)
	}
	if second.Id <= first.Id {
		t.Fatalf("expected increasing dictionary ids, got %d then %d", first.Id, second.Id)
	}
}
