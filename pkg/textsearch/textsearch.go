// Package textsearch creates text-search
// configuration, dictionary, template, and parser catalog rows, wiring
// a configuration's dependency on its referenced parser and a
// dictionary's dependency on its referenced template the same way
// every other creator in this repo records edges through pkg/depend.
package textsearch

import (
	"context"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/depend"
	"github.com/zoravur/catalogcore/pkg/eventtrigger"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// ObjectKind distinguishes the four text-search catalog kinds, each a
// row in its own relation but sharing one Creator and one validate/
// insert/record/post sequence.
type ObjectKind int

const (
	Parser ObjectKind = iota
	Template
	Dictionary
	Configuration
)

func (k ObjectKind) String() string {
	switch k {
	case Parser:
		return "parser"
	case Template:
		return "template"
	case Dictionary:
		return "dictionary"
	case Configuration:
		return "configuration"
	default:
		return "unknown_text_search_kind"
	}
}

// Spec describes one text-search object to create.
type Spec struct {
	Kind   ObjectKind
	Name   string
	Schema oid.Oid
	Owner  oid.Oid

	// Template is required for Dictionary; Parser is required for
	// Configuration. Both reference an already-created object of the
	// matching kind.
	TemplateOid oid.Oid
	ParserOid   oid.Oid
}

// ClassIds maps each ObjectKind to the catalog relation its rows live
// in, since this package models four distinct catalogs behind one
// Creator.
type ClassIds struct {
	Parser        oid.Oid
	Template      oid.Oid
	Dictionary    oid.Oid
	Configuration oid.Oid
}

func (c ClassIds) classFor(kind ObjectKind) oid.Oid {
	switch kind {
	case Parser:
		return c.Parser
	case Template:
		return c.Template
	case Dictionary:
		return c.Dictionary
	case Configuration:
		return c.Configuration
	default:
		return oid.InvalidOid
	}
}

const tsOidColumn = "oid"

// Creator wires the collaborators text-search object creation needs.
type Creator struct {
	Ids    *oid.Allocator
	Cat    *catalog.Accessor
	Deps   *depend.Recorder
	Events *eventtrigger.Core

	Classes ClassIds
}

// Create validates spec, inserts the object's row in its kind's
// catalog, records dependency edges on any referenced parser/template,
// and posts the create event.
func (c *Creator) Create(ctx context.Context, sessionID string, spec Spec) (oid.Oid, error) {
	if err := c.validate(spec); err != nil {
		return oid.InvalidOid, err
	}

	classId := c.Classes.classFor(spec.Kind)
	xid := c.Cat.Begin()
	h, err := c.Cat.Open(ctx, classId, catalog.RowExclusive)
	if err != nil {
		return oid.InvalidOid, err
	}
	defer h.Close(false)

	checker := c.Cat.IndexCheckerFor(classId)
	newOid, err := c.Ids.NewOidFor(ctx, checker, tsOidColumn, false)
	if err != nil {
		return oid.InvalidOid, err
	}

	tuple := c.Cat.FormTuple(h, map[string]any{
		tsOidColumn: newOid,
		"tsname":    spec.Name,
		"tsnamespace": spec.Schema,
		"tsowner":   spec.Owner,
	})
	if _, err := c.Cat.Insert(ctx, h, tuple, xid); err != nil {
		return oid.InvalidOid, err
	}
	c.Cat.Commit(xid)

	addr := depend.ObjectAddress{ClassId: classId, ObjectId: newOid}
	if spec.Owner != oid.InvalidOid {
		c.Deps.RecordOnOwner(classId, newOid, spec.Owner)
	}

	switch spec.Kind {
	case Dictionary:
		c.Deps.Record(addr, depend.ObjectAddress{ClassId: c.Classes.Template, ObjectId: spec.TemplateOid}, depend.NORMAL)
	case Configuration:
		c.Deps.Record(addr, depend.ObjectAddress{ClassId: c.Classes.Parser, ObjectId: spec.ParserOid}, depend.NORMAL)
	}

	if c.Events != nil {
		c.Events.CollectSimple(sessionID, addr, "", "CREATE TEXT SEARCH "+spec.Kind.String(), false)
	}
	return newOid, nil
}

func (c *Creator) validate(spec Spec) error {
	if spec.Name == "" {
		return catalogerr.New(catalogerr.SyntaxError, "a text search object must have a name")
	}
	switch spec.Kind {
	case Parser, Template:
		// no further required references
	case Dictionary:
		if spec.TemplateOid == oid.InvalidOid {
			return catalogerr.New(catalogerr.UndefinedObject,
				"text search dictionary %q requires a template", spec.Name)
		}
	case Configuration:
		if spec.ParserOid == oid.InvalidOid {
			return catalogerr.New(catalogerr.UndefinedObject,
				"text search configuration %q requires a parser", spec.Name)
		}
	default:
		return catalogerr.New(catalogerr.FeatureNotSupported, "unknown text search object kind for %q", spec.Name)
	}
	return nil
}
