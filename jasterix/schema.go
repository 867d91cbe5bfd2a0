package jasterix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ItemType is one of the eight parsing-rule variants an item can declare.
type ItemType string

const (
	TypeFixedBytes    ItemType = "fixed_bytes"
	TypeFixedBits     ItemType = "fixed_bits"
	TypeFixedBitfield ItemType = "fixed_bitfield"
	TypeExtendable    ItemType = "extendable"
	TypeCompound      ItemType = "compound"
	TypeRepetitive    ItemType = "repetitive"
	TypeSkipBytes     ItemType = "skip_bytes"
	TypeDynamicBytes  ItemType = "dynamic_bytes"
)

// DataType is the numeric/text interpretation of a fixed_bytes or
// fixed_bits value.
type DataType string

const (
	DataUint  DataType = "uint"
	DataInt   DataType = "int"
	DataBin   DataType = "bin"
	DataAscii DataType = "ascii"
)

// ItemDef is one node of a parsed, validated schema tree. Only the fields
// relevant to Type are meaningful; ItemDef is built once at load time and
// never mutated afterwards (see spec's "ownership and lifecycle").
type ItemDef struct {
	Name string
	Type ItemType
	File string // schema file this item was defined in, for error messages

	// fixed_bytes, fixed_bitfield, skip_bytes: length in bytes.
	// fixed_bits: length in bits.
	Length int

	DataType     DataType
	ReverseBits  bool
	ReverseBytes bool

	// fixed_bits
	Start  int
	Scale  float64
	HasLSB bool

	// fixed_bitfield / extendable / compound (gated list)
	Items []*ItemDef

	// fixed_bitfield optional gating
	Optional              bool
	OptionalVariableName  string
	OptionalVariableValue float64

	// compound
	FieldSpecification *ItemDef

	// repetitive
	RepetitionItem *ItemDef
	SubItem        *ItemDef

	// dynamic_bytes
	LengthVariableName string
}

// RecordLayout describes the fixed 3-byte record header shared by every
// ASTERIX category: a one-byte category selector and a two-byte length.
type RecordLayout struct {
	CategoryItem *ItemDef
	LengthItem   *ItemDef
}

// FramingDef describes the optional outer framing: a header item, followed
// by a number of records given by a field of that header.
type FramingDef struct {
	Name                string
	Header              *ItemDef
	RecordCountVariable string
}

// CategoryDef is one category's item catalogue: the field specification and
// the ordered list of items it gates, i.e. the body of a top-level compound
// item (spec §6: "Content begins with an FSPEC ... each 1-bit gates the
// presence of the corresponding item").
type CategoryDef struct {
	Number             int
	File               string
	FieldSpecification *ItemDef
	Items              []*ItemDef

	// PropertyList is the ordered set of leaf item names this category can
	// ever emit, independent of any one record's FSPEC (SPEC_FULL §3).
	PropertyList []string
}

// Definitions is the complete, immutable set of loaded schemas for one
// decode session's lifetime. Safe for concurrent use by multiple sessions.
type Definitions struct {
	Record     RecordLayout
	Framing    *FramingDef // nil when no framing is configured
	Categories map[int]*CategoryDef
}

// itemSchema is the JSON Schema (draft 2020-12) describing one item
// definition object, validated structurally before any item is unmarshalled
// into an ItemDef. It is intentionally permissive about which
// type-specific keys are present — per-type required-attribute checks run
// in parseItem, where the offending item's name is available for the error.
const itemSchemaDoc = `{
  "$id": "https://jasterix.local/item.json",
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "type"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "type": {
      "type": "string",
      "enum": ["fixed_bytes", "fixed_bits", "fixed_bitfield", "extendable",
               "compound", "repetitive", "skip_bytes", "dynamic_bytes"]
    },
    "length": {"type": "number"},
    "start": {"type": "number"},
    "data_type": {"type": "string", "enum": ["uint", "int", "bin", "ascii"]},
    "reverse_bits": {"type": "boolean"},
    "reverse_bytes": {"type": "boolean"},
    "lsb": {"type": "number"},
    "optional": {"type": "boolean"},
    "optional_variable_name": {"type": "string"},
    "optional_variable_value": {},
    "length_variable_name": {"type": "string"},
    "items": {"type": "array", "items": {"$ref": "https://jasterix.local/item.json"}},
    "field_specification": {"$ref": "https://jasterix.local/item.json"},
    "repetition_item": {"$ref": "https://jasterix.local/item.json"},
    "item": {"$ref": "https://jasterix.local/item.json"}
  }
}`

// catalogueSchemaDoc validates a per-category file's top-level shape: the
// body of a compound item (spec §6).
const catalogueSchemaDoc = `{
  "$id": "https://jasterix.local/catalogue.json",
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["field_specification", "items"],
  "properties": {
    "field_specification": {"$ref": "https://jasterix.local/item.json"},
    "items": {"type": "array", "items": {"$ref": "https://jasterix.local/item.json"}}
  }
}`

// recordSchemaDoc validates the record definition file.
const recordSchemaDoc = `{
  "$id": "https://jasterix.local/record.json",
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "category_item": {"$ref": "https://jasterix.local/item.json"},
    "length_item": {"$ref": "https://jasterix.local/item.json"}
  }
}`

// framingSchemaDoc validates a framing definition file.
const framingSchemaDoc = `{
  "$id": "https://jasterix.local/framing.json",
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["header", "record_count_variable_name"],
  "properties": {
    "header": {"$ref": "https://jasterix.local/item.json"},
    "record_count_variable_name": {"type": "string", "minLength": 1}
  }
}`

// categoryListSchemaDoc validates the category index file.
const categoryListSchemaDoc = `{
  "$id": "https://jasterix.local/categories.json",
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["categories"],
  "properties": {
    "categories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["number", "file"],
        "properties": {
          "number": {"type": "integer", "minimum": 0, "maximum": 255},
          "file": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

func newValidator() (*jsonschema.Compiler, error) {
	c := jsonschema.NewCompiler()
	for url, doc := range map[string]string{
		"https://jasterix.local/item.json":       itemSchemaDoc,
		"https://jasterix.local/catalogue.json":  catalogueSchemaDoc,
		"https://jasterix.local/categories.json": categoryListSchemaDoc,
		"https://jasterix.local/record.json":     recordSchemaDoc,
		"https://jasterix.local/framing.json":    framingSchemaDoc,
	} {
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("jasterix: internal meta-schema %s: %w", url, err)
		}
	}
	return c, nil
}

// validateAgainst decodes raw into a generic interface{} (via
// json.Unmarshal, which json-schema libraries expect) and validates it
// against the named meta-schema resource.
func validateAgainst(c *jsonschema.Compiler, resource, file string, raw []byte) error {
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("jasterix: compiling meta-schema %s: %w", resource, err)
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return &SchemaError{File: file, Msg: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := schema.Validate(v); err != nil {
		return &SchemaError{File: file, Msg: err.Error()}
	}
	return nil
}

// rawItem mirrors the JSON shape of an item definition for unmarshalling;
// parseItem turns it into a validated ItemDef.
type rawItem struct {
	Name                  string          `json:"name"`
	Type                  string          `json:"type"`
	Length                *float64        `json:"length"`
	Start                 *float64        `json:"start"`
	DataType              string          `json:"data_type"`
	ReverseBits           bool            `json:"reverse_bits"`
	ReverseBytes          bool            `json:"reverse_bytes"`
	LSB                   *float64        `json:"lsb"`
	Optional              bool            `json:"optional"`
	OptionalVariableName  string          `json:"optional_variable_name"`
	OptionalVariableValue json.Number     `json:"optional_variable_value"`
	LengthVariableName    string          `json:"length_variable_name"`
	Items                 []rawItem       `json:"items"`
	FieldSpecification    *rawItem        `json:"field_specification"`
	RepetitionItem        *rawItem        `json:"repetition_item"`
	Item                  *rawItem        `json:"item"`
}

// parseItem validates type-specific required attributes (spec §4.5) and
// builds an ItemDef, recursing into nested item lists in declaration order.
func parseItem(r rawItem, file string) (*ItemDef, error) {
	if r.Name == "" {
		return nil, &SchemaError{File: file, Msg: "item missing name"}
	}
	it := &ItemDef{Name: r.Name, Type: ItemType(r.Type), File: file}

	fail := func(msg string) error {
		return &SchemaError{File: file, Item: r.Name, Msg: msg}
	}

	switch it.Type {
	case TypeFixedBytes:
		if r.Length == nil {
			return nil, fail("fixed_bytes missing length")
		}
		it.Length = int(*r.Length)
		switch DataType(r.DataType) {
		case DataUint, DataInt, DataBin, DataAscii:
			it.DataType = DataType(r.DataType)
		default:
			return nil, fail("fixed_bytes has invalid or missing data_type")
		}
		it.ReverseBits = r.ReverseBits
		it.ReverseBytes = r.ReverseBytes

	case TypeFixedBits:
		if r.Start == nil {
			return nil, fail("fixed_bits missing start")
		}
		if r.Length == nil {
			return nil, fail("fixed_bits missing length")
		}
		it.Start = int(*r.Start)
		it.Length = int(*r.Length)
		switch DataType(r.DataType) {
		case DataUint, DataInt:
			it.DataType = DataType(r.DataType)
		default:
			return nil, fail("fixed_bits has invalid or missing data_type")
		}
		if r.LSB != nil {
			it.HasLSB = true
			it.Scale = *r.LSB
		}

	case TypeFixedBitfield:
		if r.Length == nil {
			return nil, fail("fixed_bitfield missing length")
		}
		it.Length = int(*r.Length)
		if it.Length > 8 {
			return nil, fail("fixed_bitfield length exceeds 8 bytes")
		}
		if len(r.Items) == 0 {
			return nil, fail("fixed_bitfield missing sub-items")
		}
		it.Optional = r.Optional
		if it.Optional {
			if r.OptionalVariableName == "" {
				return nil, fail("fixed_bitfield optional but no optional_variable_name given")
			}
			if r.OptionalVariableValue == "" {
				return nil, fail("fixed_bitfield optional but no optional_variable_value given")
			}
			it.OptionalVariableName = r.OptionalVariableName
			val, err := r.OptionalVariableValue.Float64()
			if err != nil {
				return nil, fail("optional_variable_value is not numeric")
			}
			it.OptionalVariableValue = val
		}
		sub, err := parseItemList(r.Items, file)
		if err != nil {
			return nil, err
		}
		for _, s := range sub {
			if s.Type != TypeFixedBits {
				return nil, fail("fixed_bitfield sub-item '" + s.Name + "' must be fixed_bits")
			}
			if s.Start < 0 || s.Start+s.Length > it.Length*8 {
				return nil, fail("fixed_bitfield sub-item '" + s.Name + "' bit range exceeds field length")
			}
		}
		it.Items = sub

	case TypeExtendable:
		// items may be empty: a field_specification's extents are
		// addressed positionally by the compound that owns it, not by
		// item name, so it need not declare any named sub-items.
		sub, err := parseItemList(r.Items, file)
		if err != nil {
			return nil, err
		}
		it.Items = sub
		it.ReverseBits = r.ReverseBits
		if r.Length != nil {
			it.Length = int(*r.Length)
		}

	case TypeCompound:
		if r.FieldSpecification == nil {
			return nil, fail("compound missing field_specification")
		}
		fspec, err := parseItem(*r.FieldSpecification, file)
		if err != nil {
			return nil, err
		}
		if fspec.Type != TypeExtendable {
			return nil, fail("compound field_specification must be extendable")
		}
		if len(r.Items) == 0 {
			return nil, fail("compound missing items")
		}
		sub, err := parseItemList(r.Items, file)
		if err != nil {
			return nil, err
		}
		it.FieldSpecification = fspec
		it.Items = sub

	case TypeRepetitive:
		if r.RepetitionItem == nil {
			return nil, fail("repetitive missing repetition_item")
		}
		if r.Item == nil {
			return nil, fail("repetitive missing item")
		}
		rep, err := parseItem(*r.RepetitionItem, file)
		if err != nil {
			return nil, err
		}
		sub, err := parseItem(*r.Item, file)
		if err != nil {
			return nil, err
		}
		it.RepetitionItem = rep
		it.SubItem = sub

	case TypeSkipBytes:
		if r.Length == nil {
			return nil, fail("skip_bytes missing length")
		}
		it.Length = int(*r.Length)

	case TypeDynamicBytes:
		if r.LengthVariableName == "" {
			return nil, fail("dynamic_bytes missing length_variable_name")
		}
		it.LengthVariableName = r.LengthVariableName
		switch DataType(r.DataType) {
		case DataUint, DataInt, DataBin, DataAscii:
			it.DataType = DataType(r.DataType)
		default:
			return nil, fail("dynamic_bytes has invalid or missing data_type")
		}

	default:
		return nil, fail("unknown item type " + r.Type)
	}

	return it, nil
}

func parseItemList(raw []rawItem, file string) ([]*ItemDef, error) {
	out := make([]*ItemDef, 0, len(raw))
	for _, r := range raw {
		it, err := parseItem(r, file)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// leafNames collects, in declaration order, the names of every leaf item
// (anything that is not itself a container for further named items)
// reachable from an item list. skip_bytes items write nothing and are left
// out. Used to build CategoryDef.PropertyList.
func leafNames(items []*ItemDef) []string {
	var out []string
	var walk func(*ItemDef)
	walk = func(it *ItemDef) {
		switch it.Type {
		case TypeFixedBitfield, TypeExtendable, TypeCompound:
			for _, s := range it.Items {
				walk(s)
			}
		case TypeSkipBytes:
		case TypeRepetitive:
			out = append(out, it.Name)
		default:
			out = append(out, it.Name)
		}
	}
	for _, it := range items {
		walk(it)
	}
	return out
}

// LoadDefinitions reads and validates a framing definition (if framingName
// is non-empty), the record definition, the category index, and every
// per-category catalogue referenced from it, all from dir.
func LoadDefinitions(dir, framingName string) (*Definitions, error) {
	c, err := newValidator()
	if err != nil {
		return nil, err
	}

	defs := &Definitions{Categories: map[int]*CategoryDef{}}

	recordPath := filepath.Join(dir, "record.json")
	recordRaw, err := os.ReadFile(recordPath)
	if err != nil {
		defs.Record = defaultRecordLayout()
	} else {
		layout, err := loadRecordLayout(c, recordPath, recordRaw)
		if err != nil {
			return nil, err
		}
		defs.Record = layout
	}

	if framingName != "" {
		framingPath := filepath.Join(dir, framingName+".json")
		raw, err := os.ReadFile(framingPath)
		if err != nil {
			return nil, &SchemaError{File: framingPath, Msg: "framing definition not found: " + err.Error()}
		}
		framing, err := loadFraming(c, framingPath, raw, framingName)
		if err != nil {
			return nil, err
		}
		defs.Framing = framing
	}

	catListPath := filepath.Join(dir, "categories.json")
	catListRaw, err := os.ReadFile(catListPath)
	if err != nil {
		return nil, &SchemaError{File: catListPath, Msg: "category list not found: " + err.Error()}
	}
	if err := validateAgainst(c, "https://jasterix.local/categories.json", catListPath, catListRaw); err != nil {
		return nil, err
	}

	var catList struct {
		Categories []struct {
			Number int    `json:"number"`
			File   string `json:"file"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(catListRaw, &catList); err != nil {
		return nil, &SchemaError{File: catListPath, Msg: "invalid JSON: " + err.Error()}
	}

	for _, ref := range catList.Categories {
		catPath := filepath.Join(dir, ref.File)
		raw, err := os.ReadFile(catPath)
		if err != nil {
			return nil, &SchemaError{File: catPath, Msg: "category file not found: " + err.Error()}
		}
		cat, err := loadCategory(c, catPath, raw, ref.Number)
		if err != nil {
			return nil, err
		}
		defs.Categories[ref.Number] = cat
	}

	return defs, nil
}

func defaultRecordLayout() RecordLayout {
	return RecordLayout{
		CategoryItem: &ItemDef{Name: "category", Type: TypeFixedBytes, Length: 1, DataType: DataUint},
		LengthItem:   &ItemDef{Name: "length", Type: TypeFixedBytes, Length: 2, DataType: DataUint},
	}
}

func loadRecordLayout(c *jsonschema.Compiler, path string, raw []byte) (RecordLayout, error) {
	if err := validateAgainst(c, "https://jasterix.local/record.json", path, raw); err != nil {
		return RecordLayout{}, err
	}
	var doc struct {
		CategoryItem *rawItem `json:"category_item"`
		LengthItem   *rawItem `json:"length_item"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return RecordLayout{}, &SchemaError{File: path, Msg: "invalid JSON: " + err.Error()}
	}
	layout := defaultRecordLayout()
	if doc.CategoryItem != nil {
		it, err := parseItem(*doc.CategoryItem, path)
		if err != nil {
			return RecordLayout{}, err
		}
		layout.CategoryItem = it
	}
	if doc.LengthItem != nil {
		it, err := parseItem(*doc.LengthItem, path)
		if err != nil {
			return RecordLayout{}, err
		}
		layout.LengthItem = it
	}
	return layout, nil
}

func loadFraming(c *jsonschema.Compiler, path string, raw []byte, name string) (*FramingDef, error) {
	if err := validateAgainst(c, "https://jasterix.local/framing.json", path, raw); err != nil {
		return nil, err
	}
	var doc struct {
		Header              *rawItem `json:"header"`
		RecordCountVariable string   `json:"record_count_variable_name"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &SchemaError{File: path, Msg: "invalid JSON: " + err.Error()}
	}
	header, err := parseItem(*doc.Header, path)
	if err != nil {
		return nil, err
	}
	return &FramingDef{Name: name, Header: header, RecordCountVariable: doc.RecordCountVariable}, nil
}

func loadCategory(c *jsonschema.Compiler, path string, raw []byte, number int) (*CategoryDef, error) {
	if err := validateAgainst(c, "https://jasterix.local/catalogue.json", path, raw); err != nil {
		return nil, err
	}
	var doc struct {
		FieldSpecification rawItem   `json:"field_specification"`
		Items              []rawItem `json:"items"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &SchemaError{File: path, Msg: "invalid JSON: " + err.Error()}
	}
	fspec, err := parseItem(doc.FieldSpecification, path)
	if err != nil {
		return nil, err
	}
	if fspec.Type != TypeExtendable {
		return nil, &SchemaError{File: path, Msg: "category field_specification must be extendable"}
	}
	items, err := parseItemList(doc.Items, path)
	if err != nil {
		return nil, err
	}
	return &CategoryDef{
		Number:             number,
		File:               path,
		FieldSpecification: fspec,
		Items:              items,
		PropertyList:       leafNames(items),
	}, nil
}
