package jasterix

import "go.uber.org/zap"

// scanResult accumulates one pass over the input: either a counting scope
// pass (records are parsed but not kept), or a full decode. Document is nil
// in scope-only mode.
// Recovered holds the error that triggered each resilient-mode skip, for
// the orchestrator to aggregate and report alongside the skip count.
type scanResult struct {
	FrameCount  uint64
	RecordCount uint64
	Skipped     uint64
	Document    *Node
	Recovered   []error
}

// isRecoverable reports whether err is one of the two error kinds spec §7
// allows the frame parser to recover from in resilient mode: OutOfBounds
// and LengthMismatch, both of which leave the record's declared length
// known so the cursor can be advanced past it. VariableResolution and
// TypeMismatch are left fatal, as spec §7 never extends them the same
// resilient-recovery clause it gives the other two.
func isRecoverable(err error) bool {
	switch err.(type) {
	case *OutOfBounds, *LengthMismatch:
		return true
	default:
		return false
	}
}

// scan walks the input buffer from byte 0 to end, either frame by frame (if
// framing is configured) or record by record (spec §4.4). decode selects
// whether item content is accumulated into a document or only counted,
// backing both scope_frames and decode_records.
func scan(defs *Definitions, c *parseCtx, resilient, decode bool) (*scanResult, error) {
	res := &scanResult{}
	if decode {
		res.Document = NewArray()
	}

	size := len(c.buf)
	off := 0
	for off < size {
		var n int
		var err error
		if defs.Framing != nil {
			n, err = scanFrame(defs, c, off, decode, res)
		} else {
			n, err = scanRecord(defs, c, off, decode, res)
			if err == nil {
				res.RecordCount++
			}
		}
		if err != nil {
			if resilient && isRecoverable(err) && n > 0 {
				if c.debug {
					c.logger.Debug("skipping malformed record", zap.Int("offset", off), zap.Error(err))
				}
				res.Skipped++
				res.Recovered = append(res.Recovered, err)
				off += n
				res.FrameCount++
				continue
			}
			return res, err
		}
		off += n
		res.FrameCount++
	}
	return res, nil
}

// scanRecord parses exactly one unframed record at byteIndex.
func scanRecord(defs *Definitions, c *parseCtx, byteIndex int, decode bool, res *scanResult) (int, error) {
	rec, n, err := parseRecord(defs, c, byteIndex)
	if err != nil {
		return n, err
	}
	if decode {
		res.Document.Append(rec)
	}
	return n, nil
}

// scanFrame parses one framing header followed by the number of records the
// header declares (spec §4.4). The header's record_count_variable_name is
// resolved against the header's own decoded fields.
func scanFrame(defs *Definitions, c *parseCtx, byteIndex int, decode bool, res *scanResult) (int, error) {
	fr := defs.Framing
	header := NewMap()
	headerConsumed, err := fr.Header.parseInto(c, byteIndex, 0, header, header)
	if err != nil {
		return 0, err
	}
	count, err := resolveInt(header, fr.RecordCountVariable)
	if err != nil {
		return headerConsumed, err
	}
	if count < 0 {
		return headerConsumed, &TypeMismatch{Path: fr.RecordCountVariable, Want: "non-negative count", Got: "negative"}
	}

	var frameDoc, records *Node
	if decode {
		frameDoc = NewMap()
		frameDoc.Set("header", header)
		records = NewArray()
		frameDoc.Set("records", records)
	}

	off := byteIndex + headerConsumed
	for i := int64(0); i < count; i++ {
		rec, n, err := parseRecord(defs, c, off)
		if err != nil {
			return off + n - byteIndex, err
		}
		off += n
		res.RecordCount++
		if decode {
			records.Append(rec)
		}
	}

	if decode {
		res.Document.Append(frameDoc)
	}
	return off - byteIndex, nil
}
