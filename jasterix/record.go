package jasterix

import (
	"strconv"

	"go.uber.org/zap"
)

// parseRecord decodes one ASTERIX-style record starting at byteIndex: a
// one-byte category, a two-byte big-endian length (including these 3
// header bytes), then the category's item catalogue gated by its field
// specification (spec §4.3). It returns the record's Node, the number of
// bytes consumed (always equal to the declared length on success), and an
// error.
func parseRecord(defs *Definitions, c *parseCtx, byteIndex int) (*Node, int, error) {
	rec := NewMap()

	catConsumed, err := defs.Record.CategoryItem.parseInto(c, byteIndex, 0, rec, rec)
	if err != nil {
		return nil, 0, err
	}
	catVal, err := headerFieldUint(rec, defs.Record.CategoryItem)
	if err != nil {
		return nil, 0, err
	}

	lenOff := byteIndex + catConsumed
	lenConsumed, err := defs.Record.LengthItem.parseInto(c, lenOff, catConsumed, rec, rec)
	if err != nil {
		return nil, 0, err
	}
	declaredLen, err := headerFieldUint(rec, defs.Record.LengthItem)
	if err != nil {
		return nil, 0, err
	}

	headerLen := catConsumed + lenConsumed
	cat, ok := defs.Categories[int(catVal)]
	if !ok {
		return nil, 0, &SchemaError{Msg: "no category definition for category " + strconv.Itoa(int(catVal))}
	}

	if c.debug {
		c.logger.Debug("parsing record", zap.Uint64("category", catVal), zap.Uint64("length", declaredLen))
	}

	bodyOff := byteIndex + headerLen
	bodyConsumed, _, err := parseCompoundBody(cat.FieldSpecification, cat.Items, c, bodyOff, headerLen, rec)
	if err != nil {
		// The length field itself was read successfully even though the
		// body was not: resilient recovery skips to the next record using
		// the declared length rather than whatever prefix of the body was
		// consumed before the error (spec §7, "using the last successful
		// length").
		return rec, int(declaredLen), err
	}

	totalConsumed := headerLen + bodyConsumed
	if uint64(totalConsumed) != declaredLen {
		return rec, int(declaredLen), &LengthMismatch{Declared: int(declaredLen), Consumed: totalConsumed}
	}
	return rec, totalConsumed, nil
}

// headerFieldUint reads back the value item just parsed into rec under its
// own name and requires it to be numeric. A custom record.json could
// configure category_item or length_item as something that writes no value
// under its name (e.g. skip_bytes) or a non-numeric one (e.g. bin/ascii);
// the default layout (fixed_bytes/uint) always satisfies this, but a
// schema-driven category or length field must still be guarded rather than
// nil-panicking on a malformed definition.
func headerFieldUint(rec *Node, item *ItemDef) (uint64, error) {
	v, ok := rec.Get(item.Name)
	if !ok {
		return 0, &SchemaError{File: item.File, Item: item.Name, Msg: "record header item wrote no value under its own name"}
	}
	u, ok := v.Uint()
	if !ok {
		return 0, &TypeMismatch{Path: item.Name, Want: "numeric", Got: kindName(v.Kind())}
	}
	return u, nil
}
