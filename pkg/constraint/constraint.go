// Package constraint creates table constraints, in the same shape as
// pkg/aggregate: validate a CHECK/FK/UNIQUE constraint
// definition, allocate its oid, insert the catalog row, record its
// dependency edges, and post the create event. CHECK-expression
// dependency walking reuses pkg/depend's pg_query_go walker directly
// rather than re-implementing it.
package constraint

import (
	"context"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/depend"
	"github.com/zoravur/catalogcore/pkg/eventtrigger"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// Kind is the constraint family a Spec describes.
type Kind int

const (
	Check Kind = iota
	ForeignKey
	Unique
)

func (k Kind) String() string {
	switch k {
	case Check:
		return "check"
	case ForeignKey:
		return "foreign_key"
	case Unique:
		return "unique"
	default:
		return "unknown_constraint_kind"
	}
}

// Spec is everything ConstraintCreator.Create needs.
type Spec struct {
	Name    string
	Kind    Kind
	RelOid  oid.Oid // the constrained relation
	Owner   oid.Oid

	// CheckExpr is a SQL boolean expression, required and validated
	// for Check constraints.
	CheckExpr string

	// Columns lists the local columns a Unique or ForeignKey
	// constraint covers; required and validated for both.
	Columns []string

	// RefRelOid/RefColumns name the referenced relation and columns
	// for ForeignKey constraints.
	RefRelOid   oid.Oid
	RefColumns  []string
}

const constraintOidColumn = "oid"

// Creator wires the collaborators constraint creation needs.
type Creator struct {
	Ids    *oid.Allocator
	Cat    *catalog.Accessor
	Deps   *depend.Recorder
	Events *eventtrigger.Core

	ConstraintClassId oid.Oid

	ResolveColumn depend.ColumnResolver
	ResolveFunc   depend.FuncResolver
}

// Create validates spec, inserts the constraint row, records its
// dependency edges (on the constrained relation, on the referenced
// relation for foreign keys, and on every column/function a CHECK
// expression touches), and posts the create event.
func (c *Creator) Create(ctx context.Context, sessionID string, spec Spec) (oid.Oid, error) {
	if err := c.validate(spec); err != nil {
		return oid.InvalidOid, err
	}

	xid := c.Cat.Begin()
	h, err := c.Cat.Open(ctx, c.ConstraintClassId, catalog.RowExclusive)
	if err != nil {
		return oid.InvalidOid, err
	}
	defer h.Close(false)

	checker := c.Cat.IndexCheckerFor(c.ConstraintClassId)
	conOid, err := c.Ids.NewOidFor(ctx, checker, constraintOidColumn, false)
	if err != nil {
		return oid.InvalidOid, err
	}

	tuple := c.Cat.FormTuple(h, map[string]any{
		constraintOidColumn: conOid,
		"conname":           spec.Name,
		"contype":           spec.Kind.String(),
		"conrelid":          spec.RelOid,
		"confrelid":         spec.RefRelOid,
	})
	if _, err := c.Cat.Insert(ctx, h, tuple, xid); err != nil {
		return oid.InvalidOid, err
	}
	c.Cat.Commit(xid)

	addr := depend.ObjectAddress{ClassId: c.ConstraintClassId, ObjectId: conOid}
	c.Deps.Record(addr, depend.ObjectAddress{ClassId: relationClassId, ObjectId: spec.RelOid}, depend.INTERNAL)
	if spec.Kind == ForeignKey {
		c.Deps.Record(addr, depend.ObjectAddress{ClassId: relationClassId, ObjectId: spec.RefRelOid}, depend.NORMAL)
	}
	if spec.Owner != oid.InvalidOid {
		c.Deps.RecordOnOwner(c.ConstraintClassId, conOid, spec.Owner)
	}

	if spec.Kind == Check && spec.CheckExpr != "" && c.ResolveColumn != nil {
		if err := c.Deps.RecordOnSingleRelExpr(addr, spec.CheckExpr, spec.RelOid,
			c.ResolveColumn, c.ResolveFunc, depend.NORMAL, depend.NORMAL); err != nil {
			return oid.InvalidOid, catalogerr.Wrap(catalogerr.SyntaxError, err,
				"constraint %q: could not resolve CHECK expression dependencies", spec.Name)
		}
	}

	if c.Events != nil {
		c.Events.CollectSimple(sessionID, addr, "", "ADD CONSTRAINT", false)
	}
	return conOid, nil
}

// relationClassId is the well-known pg_class oid, reused across
// creators (pkg/module uses its own namespace class id, this package
// needs the relation class id instead since both FK endpoints and the
// constrained table are relations).
const relationClassId oid.Oid = 1259

func (c *Creator) validate(spec Spec) error {
	if spec.Name == "" {
		return catalogerr.New(catalogerr.SyntaxError, "a constraint must have a name")
	}
	if spec.RelOid == oid.InvalidOid {
		return catalogerr.New(catalogerr.UndefinedObject, "constraint %q: no target relation given", spec.Name)
	}
	switch spec.Kind {
	case Check:
		if spec.CheckExpr == "" {
			return catalogerr.New(catalogerr.SyntaxError, "CHECK constraint %q requires an expression", spec.Name)
		}
	case Unique:
		if len(spec.Columns) == 0 {
			return catalogerr.New(catalogerr.SyntaxError, "UNIQUE constraint %q requires at least one column", spec.Name)
		}
	case ForeignKey:
		if len(spec.Columns) == 0 || len(spec.RefColumns) == 0 {
			return catalogerr.New(catalogerr.SyntaxError, "FOREIGN KEY constraint %q requires local and referenced columns", spec.Name)
		}
		if len(spec.Columns) != len(spec.RefColumns) {
			return catalogerr.New(catalogerr.DatatypeMismatch,
				"FOREIGN KEY constraint %q: column count mismatch (%d local, %d referenced)",
				spec.Name, len(spec.Columns), len(spec.RefColumns))
		}
		if spec.RefRelOid == oid.InvalidOid {
			return catalogerr.New(catalogerr.UndefinedObject, "FOREIGN KEY constraint %q: no referenced relation given", spec.Name)
		}
	default:
		return catalogerr.New(catalogerr.FeatureNotSupported, "unknown constraint kind for %q", spec.Name)
	}
	return nil
}
