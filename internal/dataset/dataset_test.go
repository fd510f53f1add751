package dataset

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `name,age,hospital,medical_condition,insurance_provider,billing_amount,latitude,longitude
Alice,30,General,Flu,Aetna,100,0,0
Bob,45,General,Asthma,Cigna,250.5,3,4
Carol,52,Mercy,Diabetes,Aetna,,1,1
Dan,61,Mercy,Flu,Cigna,75,10,10
`

func sampleTable(t *testing.T) *Table {
	t.Helper()
	rows, cols, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	tbl := NewTable(cols)
	for _, r := range rows {
		tbl.Append(NewRecord(r, nil))
	}
	return tbl
}

func names(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i], _ = r.Row[NameField].(string)
	}
	return out
}

func TestReadCSV(t *testing.T) {
	rows, cols, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, "name", cols[0])
	assert.Equal(t, 30.0, rows[0]["age"])
	assert.Equal(t, "General", rows[0]["hospital"])

	_, present := rows[2][BillingField]
	assert.False(t, present, "empty cells are missing")
	assert.Zero(t, Amount(rows[2]))
	assert.Equal(t, 250.5, Amount(rows[1]))

	rows, cols, err = ReadCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, cols)
}

func TestWriteCSVRoundTrip(t *testing.T) {
	rows, cols, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows, cols))
	assert.Equal(t, sampleCSV, buf.String())

	buf.Reset()
	require.NoError(t, WriteCSV(&buf, nil, nil))
	assert.Equal(t, strings.Join(DefaultColumns, ",")+"\n", buf.String())
}

func TestCSVKeepsTextColumns(t *testing.T) {
	in := []Row{{"name": "007", "zip": "02139", "note": "Nan", "billing_amount": 12.5, "age": 30.0}}
	cols := []string{"name", "zip", "note", "billing_amount", "age"}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, in, cols))
	rows, header, err := ReadCSV(&buf)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, in[0], rows[0])

	tbl := NewTable(header)
	tbl.Append(NewRecord(rows[0], nil))
	recs, err := tbl.ExactMatch("name", "007")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	rows, _, err = ReadCSV(strings.NewReader("name,age,billing_amount\nEve,NaN,unknown\n"))
	require.NoError(t, err)
	assert.Equal(t, Row{"name": "Eve", "billing_amount": "unknown"}, rows[0])
}

func TestExactMatch(t *testing.T) {
	tbl := sampleTable(t)

	recs, err := tbl.ExactMatch("medical_condition", "Flu")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Dan"}, names(recs))

	recs, err = tbl.ExactMatch("age", 45)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob"}, names(recs))

	recs, err = tbl.ExactMatch("name", "Zed")
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = tbl.ExactMatch("ssn", "1")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestRange(t *testing.T) {
	tbl := sampleTable(t)

	recs, err := tbl.Range("age", 40, 60)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob", "Carol"}, names(recs))

	recs, err = tbl.Range(BillingField, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob", "Dan"}, names(recs), "missing values never match")

	_, err = tbl.Range("hospital", 0, 1)
	assert.ErrorIs(t, err, ErrNotNumeric)
	_, err = tbl.Range("ssn", 0, 1)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestNearest(t *testing.T) {
	tbl := sampleTable(t)

	nn, err := tbl.Nearest(0, 0, 2)
	require.NoError(t, err)
	require.Len(t, nn, 2)
	assert.Equal(t, "Alice", nn[0].Row[NameField])
	assert.Equal(t, 0.0, nn[0].Distance)
	assert.Equal(t, "Carol", nn[1].Row[NameField])
	assert.InDelta(t, 1.41421356, nn[1].Distance, 1e-6)

	nn, err = tbl.Nearest(0, 0, 100)
	require.NoError(t, err)
	assert.Len(t, nn, 4)
	assert.Equal(t, 5.0, nn[2].Distance)

	_, err = tbl.Nearest(0, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidK)
	_, err = NewTable(nil).Nearest(0, 0, 1)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPaginate(t *testing.T) {
	tbl := sampleTable(t)

	p, err := tbl.Paginate("", nil, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, []string{"Dan"}, names(p.Records))

	p, err = tbl.Paginate("hospital", "Mercy", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, []string{"Carol", "Dan"}, names(p.Records))

	p, err = tbl.Paginate("", nil, 9, 10)
	require.NoError(t, err)
	assert.Empty(t, p.Records)

	_, err = tbl.Paginate("", nil, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidPage)
	_, err = tbl.Paginate("ssn", "x", 1, 10)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestTableVersions(t *testing.T) {
	tbl := NewTable(DefaultColumns)
	assert.Zero(t, tbl.Version())

	v1 := tbl.Append(NewRecord(Row{"name": "a"}, nil))
	before, _ := tbl.Snapshot()
	v2 := tbl.Append(NewRecord(Row{"name": "b", "ward": "7"}, nil))

	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)
	assert.Len(t, before, 1, "earlier snapshots are unaffected by appends")
	assert.Equal(t, 2, tbl.Len())
	assert.True(t, tbl.HasField("ward"))
	assert.Equal(t, "ward", tbl.Columns()[len(tbl.Columns())-1])

	recs := tbl.ByName("b")
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
}

func TestNumber(t *testing.T) {
	for _, v := range []any{3, int64(3), 3.0, "3", json.Number("3")} {
		f, ok := Number(v)
		assert.True(t, ok, "%#v", v)
		assert.Equal(t, 3.0, f)
	}
	for _, v := range []any{nil, true, "x", []int{1}} {
		_, ok := Number(v)
		assert.False(t, ok, "%#v", v)
	}
	assert.Equal(t, Row{"name": "a", "age": nil}, Row{"name": "a", "x": 1}.Project([]string{"name", "age"}))
}
