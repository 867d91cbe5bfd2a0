package jasterix

import "go.uber.org/zap"

// parseCtx carries the read-only state threaded through a pass's recursive
// parses (the input buffer, logger and debug flag), mirroring the teacher's
// single instance struct bundling buffer access. One parseCtx serves a
// whole scan pass; it holds no per-record state, which lives on the call
// stack (spec §3, "Ownership and lifecycle").
type parseCtx struct {
	buf    []byte
	logger *zap.Logger
	debug  bool
}

// parseInto decodes one item starting at byteIndex, writing its result(s)
// into out (the enclosing structural map) and resolving optional/dynamic
// variable references against parent. It returns the number of bytes the
// whole buffer's cursor advances.
//
// fixed_bitfield and a standalone extendable do not write a value under
// it.Name: they flatten their sub-items directly into out, the same way the
// teacher's decodeFeatureChild writes straight into the slot its caller
// already addressed. A named compound instead writes one map under its own
// name holding its sub-items, since a compound item is itself an
// addressable, named field.
func (it *ItemDef) parseInto(c *parseCtx, byteIndex, parsedSoFar int, out, parent *Node) (int, error) {
	if c.debug {
		c.logger.Debug("parsing item", zap.String("name", it.Name), zap.String("type", string(it.Type)))
	}

	switch it.Type {
	case TypeFixedBytes:
		return it.parseFixedBytes(c, byteIndex, out)

	case TypeFixedBits:
		return it.parseFixedBits(c, byteIndex, out)

	case TypeFixedBitfield:
		return it.parseFixedBitfield(c, byteIndex, out, parent)

	case TypeExtendable:
		return it.parseExtendableItem(c, byteIndex, out, parent)

	case TypeCompound:
		return it.parseCompound(c, byteIndex, parsedSoFar, out)

	case TypeRepetitive:
		return it.parseRepetitive(c, byteIndex, parsedSoFar, out, parent)

	case TypeSkipBytes:
		if err := checkBounds(c.buf, byteIndex, it.Length); err != nil {
			return 0, err
		}
		return it.Length, nil

	case TypeDynamicBytes:
		return it.parseDynamicBytes(c, byteIndex, out, parent)

	default:
		return 0, &SchemaError{File: it.File, Item: it.Name, Msg: "unknown item type at parse time"}
	}
}

func (it *ItemDef) parseFixedBytes(c *parseCtx, byteIndex int, out *Node) (int, error) {
	v, err := decodeByteRegion(c.buf, byteIndex, it.Length, it.DataType, it.ReverseBits, it.ReverseBytes)
	if err != nil {
		return 0, err
	}
	out.Set(it.Name, v)
	return it.Length, nil
}

// decodeByteRegion interprets a byte-aligned region per data_type. uint/int
// regions up to 8 bytes use the bit reader at bit offset 0; "bin" always
// keeps the raw bytes; "ascii" best-effort-decodes text (Open Question 2).
func decodeByteRegion(buf []byte, byteIndex, length int, dt DataType, revBits, revBytes bool) (*Node, error) {
	if err := checkBounds(buf, byteIndex, length); err != nil {
		return nil, err
	}
	region := buf
	off := byteIndex
	if revBits {
		region = reverseBits(buf[byteIndex : byteIndex+length])
		off = 0
	}

	switch dt {
	case DataUint:
		// fixed_bytes.data_type is restricted to uint/int/bin/ascii by
		// schema; IEEE-754 interpretation (readFloat32/64) is exercised
		// directly by reader_test.go, not reachable from fixed_bytes.
		u, err := readUint(region, off, 0, length*8)
		if err != nil {
			return nil, err
		}
		return NewUint(u), nil
	case DataInt:
		iv, err := readInt(region, off, 0, length*8)
		if err != nil {
			return nil, err
		}
		return NewInt(iv), nil
	case DataBin:
		b, err := readBytes(region, off, length)
		if err != nil {
			return nil, err
		}
		return NewBytes(b), nil
	case DataAscii:
		res, err := readASCII(region, off, length)
		if err != nil {
			return nil, err
		}
		if res.valid {
			return NewString(res.text), nil
		}
		return NewBytes(res.raw), nil
	default:
		return nil, &SchemaError{Msg: "unsupported data_type " + string(dt)}
	}
}

func (it *ItemDef) parseFixedBits(c *parseCtx, byteIndex int, out *Node) (int, error) {
	byteOff := byteIndex + it.Start/8
	bitOff := it.Start % 8
	var v *Node
	switch it.DataType {
	case DataInt:
		iv, err := readInt(c.buf, byteOff, bitOff, it.Length)
		if err != nil {
			return 0, err
		}
		if it.HasLSB {
			v = NewFloat(float64(iv) * it.Scale)
		} else {
			v = NewInt(iv)
		}
	default: // DataUint
		uv, err := readUint(c.buf, byteOff, bitOff, it.Length)
		if err != nil {
			return 0, err
		}
		if it.HasLSB {
			v = NewFloat(float64(uv) * it.Scale)
		} else {
			v = NewUint(uv)
		}
	}
	out.Set(it.Name, v)
	return 0, nil // fixed_bits never advances the cursor
}

func (it *ItemDef) parseFixedBitfield(c *parseCtx, byteIndex int, out, parent *Node) (int, error) {
	if it.Optional {
		ok, err := variableHasValue(parent, it.OptionalVariableName, it.OptionalVariableValue)
		if err != nil {
			return 0, err
		}
		if !ok {
			if c.debug {
				c.logger.Debug("skipping optional bitfield",
					zap.String("name", it.Name),
					zap.String("variable", it.OptionalVariableName))
			}
			return 0, nil
		}
	}
	if err := checkBounds(c.buf, byteIndex, it.Length); err != nil {
		return 0, err
	}
	for _, sub := range it.Items {
		if _, err := sub.parseInto(c, byteIndex, 0, out, parent); err != nil {
			return 0, err
		}
	}
	return it.Length, nil
}

// variableHasValue resolves name against ctx and compares it (numerically)
// to want, implementing the fixed_bitfield.optional gate. A name that does
// not resolve is reported as VariableResolution.
func variableHasValue(ctx *Node, name string, want float64) (bool, error) {
	got, err := resolveInt(ctx, name)
	if err != nil {
		return false, err
	}
	return float64(got) == want, nil
}

// parseFSPECExtent reads one field-specification byte at byteIndex,
// reversing its bits first if reverseBitsFlag is set (Open Question 1:
// the whole byte, extension bit included, is reversed before any bit is
// assigned meaning). It returns the 7 payload bits MSB-first and whether
// another extent follows.
func parseFSPECExtent(buf []byte, byteIndex int, reverseBitsFlag bool) (payload [7]bool, more bool, err error) {
	if err := checkBounds(buf, byteIndex, 1); err != nil {
		return payload, false, err
	}
	b := buf[byteIndex]
	if reverseBitsFlag {
		b = reverseByte(b)
	}
	for i := 0; i < 7; i++ {
		payload[i] = b&(1<<uint(7-i)) != 0
	}
	more = b&1 != 0
	return payload, more, nil
}

// parseFieldSpecification decodes a field_specification item (always a
// chain of 1-byte extents) into a flat, MSB-first slice of availability
// bits, one per addressable bit across every extent's 7 payload bits.
func parseFieldSpecification(fs *ItemDef, buf []byte, byteIndex int) (bits []bool, consumed int, err error) {
	off := byteIndex
	for {
		payload, more, err := parseFSPECExtent(buf, off, fs.ReverseBits)
		if err != nil {
			return nil, 0, err
		}
		bits = append(bits, payload[:]...)
		off++
		if !more {
			break
		}
	}
	return bits, off - byteIndex, nil
}

// parseExtendableItem parses a standalone extendable item (one not used as
// a compound's field_specification): each extent re-parses it.Items into a
// fresh per-extent map, then checks the last bit of the extent for the
// extension flag. Every extent parses the same item list, so with a single
// extent each sub-item name is flattened into out as a scalar, exactly as
// fixed_bitfield does; with several extents each name's values are
// collected into an array, in extent order (a name written by only one
// extent, e.g. through an optional fixed_bitfield, stays a scalar), so
// repeated per-extent fields stay observable (spec §8 invariant 3) instead
// of later extents silently overwriting earlier ones.
func (it *ItemDef) parseExtendableItem(c *parseCtx, byteIndex int, out, parent *Node) (int, error) {
	extentLen := it.extentLength()
	off := byteIndex
	values := map[string][]*Node{}
	var order []string
	for {
		if err := checkBounds(c.buf, off, extentLen); err != nil {
			return 0, err
		}
		region := c.buf[off : off+extentLen]
		if it.ReverseBits {
			region = reverseBits(region)
		}
		extentCtx := &parseCtx{buf: region, logger: c.logger, debug: c.debug}
		extentOut := NewMap()
		for _, sub := range it.Items {
			if _, err := sub.parseInto(extentCtx, 0, 0, extentOut, parent); err != nil {
				return 0, err
			}
		}
		for _, k := range extentOut.Keys() {
			v, _ := extentOut.Get(k)
			if _, seen := values[k]; !seen {
				order = append(order, k)
			}
			values[k] = append(values[k], v)
		}
		more := region[extentLen-1]&1 != 0
		off += extentLen
		if !more {
			break
		}
	}
	for _, k := range order {
		vs := values[k]
		if len(vs) == 1 {
			out.Set(k, vs[0])
			continue
		}
		arr := NewArray()
		for _, v := range vs {
			arr.Append(v)
		}
		out.Set(k, arr)
	}
	return off - byteIndex, nil
}

// extentLength returns the configured or inferred per-extent byte size of
// an extendable item.
func (it *ItemDef) extentLength() int {
	if it.Length > 0 {
		return it.Length
	}
	maxBit := 0
	for _, sub := range it.Items {
		if sub.Type == TypeFixedBits {
			if end := sub.Start + sub.Length; end > maxBit {
				maxBit = end
			}
		}
	}
	if maxBit == 0 {
		return 1
	}
	return (maxBit + 7) / 8
}

// parseCompound parses a field_specification followed by its gated item
// list (spec §4.2). A named compound nests its gated items in a map under
// its own name; an unnamed one writes them straight into out. A record's
// body does not go through here: parseRecord calls parseCompoundBody
// directly with the record's map as the target.
func (it *ItemDef) parseCompound(c *parseCtx, byteIndex, parsedSoFar int, out *Node) (int, error) {
	target := out
	if it.Name != "" {
		child := NewMap()
		out.Set(it.Name, child)
		target = child
	}
	consumed, _, err := parseCompoundBody(it.FieldSpecification, it.Items, c, byteIndex, parsedSoFar, target)
	return consumed, err
}

// parseCompoundBody is the shared engine behind both a named compound item
// and the unnamed top-level record body: parse the field specification,
// then parse items[k] for every bit k that is set, in catalogue order,
// writing each into target with target itself as the lookup parent.
func parseCompoundBody(fieldSpec *ItemDef, items []*ItemDef, c *parseCtx, byteIndex, parsedSoFar int, target *Node) (consumed int, present int, err error) {
	bits, n, err := parseFieldSpecification(fieldSpec, c.buf, byteIndex)
	if err != nil {
		return 0, 0, err
	}
	off := byteIndex + n
	total := n
	for k, item := range items {
		if k >= len(bits) || !bits[k] {
			continue
		}
		present++
		itemConsumed, err := item.parseInto(c, off, parsedSoFar+total, target, target)
		if err != nil {
			return 0, 0, err
		}
		off += itemConsumed
		total += itemConsumed
	}
	return total, present, nil
}

func (it *ItemDef) parseRepetitive(c *parseCtx, byteIndex, parsedSoFar int, out, parent *Node) (int, error) {
	countNode := NewMap()
	countConsumed, err := it.RepetitionItem.parseInto(c, byteIndex, parsedSoFar, countNode, parent)
	if err != nil {
		return 0, err
	}
	countVal, _ := lookupPath(countNode, it.RepetitionItem.Name)
	n, ok := countVal.Uint()
	if !ok {
		return 0, &TypeMismatch{Path: it.RepetitionItem.Name, Want: "numeric", Got: kindName(countVal.Kind())}
	}

	arr := NewArray()
	off := byteIndex + countConsumed
	total := countConsumed
	for i := uint64(0); i < n; i++ {
		elem := NewMap()
		elemConsumed, err := it.SubItem.parseInto(c, off, parsedSoFar+total, elem, parent)
		if err != nil {
			return 0, err
		}
		// A sub-item that writes exactly one key (the common case, e.g. a
		// fixed_bytes element) is unwrapped to a bare scalar so repetitive
		// arrays of primitives read as spec's example 4 expects ([1,2,3],
		// not [{"value":1},...]).
		if v, ok := elem.Get(it.SubItem.Name); ok && len(elem.Keys()) == 1 {
			arr.Append(v)
		} else {
			arr.Append(elem)
		}
		off += elemConsumed
		total += elemConsumed
	}
	out.Set(it.Name, arr)
	return total, nil
}

func (it *ItemDef) parseDynamicBytes(c *parseCtx, byteIndex int, out, parent *Node) (int, error) {
	n, err := resolveInt(parent, it.LengthVariableName)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, &TypeMismatch{Path: it.LengthVariableName, Want: "non-negative length", Got: "negative"}
	}
	v, err := decodeByteRegion(c.buf, byteIndex, int(n), it.DataType, false, false)
	if err != nil {
		return 0, err
	}
	out.Set(it.Name, v)
	return int(n), nil
}
