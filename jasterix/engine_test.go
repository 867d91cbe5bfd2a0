package jasterix

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempInput(t *testing.T, b []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestOpenFailsOnMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.bin"), cat48Definitions(), nil, false)
	require.Error(t, err)
	var ioErr *IoError
	assert.ErrorAs(t, err, &ioErr)
}

func TestOpenFailsOnEmptyFile(t *testing.T) {
	path := writeTempInput(t, nil)
	_, err := Open(path, cat48Definitions(), nil, false)
	require.Error(t, err)
	var ioErr *IoError
	assert.ErrorAs(t, err, &ioErr)
}

func TestSessionDecodeRecordsAndPrint(t *testing.T) {
	buf := append([]byte{0x30, 0x00, 0x05, 0x80, 0x40}, []byte{0x30, 0x00, 0x05, 0x80, 0x41}...)
	path := writeTempInput(t, buf)

	sess, err := Open(path, cat48Definitions(), nil, false)
	require.NoError(t, err)
	defer sess.Close()

	result, err := sess.DecodeRecords(DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.RecordCount)
	assert.Equal(t, uint64(0), result.SkippedCount)

	var out bytes.Buffer
	require.NoError(t, sess.Print(&out, false))
	assert.Contains(t, out.String(), `"SAC":64`)
}

func TestSessionCoverageReportsUnobservedItems(t *testing.T) {
	defs := &Definitions{
		Record: defaultRecordLayout(),
		Categories: map[int]*CategoryDef{
			48: {
				Number:             48,
				FieldSpecification: &ItemDef{Name: "fspec", Type: TypeExtendable},
				Items: []*ItemDef{
					{Name: "SAC", Type: TypeFixedBytes, Length: 1, DataType: DataUint},
				},
				PropertyList: []string{"SAC"},
			},
			50: {
				Number:             50,
				FieldSpecification: &ItemDef{Name: "fspec", Type: TypeExtendable},
				Items: []*ItemDef{
					{Name: "X", Type: TypeFixedBytes, Length: 1, DataType: DataUint},
				},
				PropertyList: []string{"X"},
			},
		},
	}
	buf := []byte{0x30, 0x00, 0x05, 0x80, 0x40} // one cat-48 record, never touches cat 50
	path := writeTempInput(t, buf)

	sess, err := Open(path, defs, nil, false)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.DecodeRecords(DecodeOptions{})
	require.NoError(t, err)

	cov := sess.Coverage()
	require.Len(t, cov, 2)
	assert.Equal(t, 48, cov[0].Category)
	assert.Equal(t, []string{"SAC"}, cov[0].Observed)
	assert.Empty(t, cov[0].Missing)
	assert.Equal(t, 50, cov[1].Category)
	assert.Empty(t, cov[1].Observed)
	assert.Equal(t, []string{"X"}, cov[1].Missing)
}

func TestSessionCoverageNilBeforeDecode(t *testing.T) {
	buf := []byte{0x30, 0x00, 0x05, 0x80, 0x40}
	path := writeTempInput(t, buf)

	sess, err := Open(path, cat48Definitions(), nil, false)
	require.NoError(t, err)
	defer sess.Close()

	assert.Nil(t, sess.Coverage())
}

func TestSessionScopeFrames(t *testing.T) {
	buf := []byte{0x30, 0x00, 0x05, 0x80, 0x40}
	path := writeTempInput(t, buf)

	sess, err := Open(path, cat48Definitions(), nil, false)
	require.NoError(t, err)
	defer sess.Close()

	n, err := sess.ScopeFrames()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}
