package pipeline

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	lib, err := LoadFile("testdata/library.yaml")
	require.NoError(t, err)

	noop := lib.Methods["noop"]
	require.NotNil(t, noop)
	assert.Len(t, noop.DriverMD5, 32)
	assert.Equal(t, "method/1", noop.TransformationKey())
	assert.True(t, noop.IsReusable())
	assert.False(t, lib.Methods["shuffle"].IsReusable())
	assert.Equal(t, 1, lib.Methods["shuffle"].Inputs[0].Structure.MinRow)
	assert.True(t, lib.Methods["shuffle"].Outputs[0].IsRaw())

	outer := lib.Pipelines["outer"]
	require.NotNil(t, outer)
	assert.False(t, outer.IsReusable())
	require.Len(t, outer.Steps, 2)
	assert.True(t, outer.Steps[0].IsSubPipeline())
	assert.Equal(t, lib.Pipelines["inner"], outer.Steps[0].Pipeline)

	shuffle := outer.Step(2)
	assert.Equal(t, outer, shuffle.Parent())
	cable := shuffle.CableFor(1)
	require.NotNil(t, cable)
	assert.False(t, cable.IsTrivial())
	assert.True(t, cable.KeepOutput)
	assert.Equal(t, []Wire{{SourceIdx: 2, DestIdx: 1}, {SourceIdx: 1, DestIdx: 2}}, cable.Wires)
	assert.Equal(t, "pipeline/2/step/2/cable/1", cable.TransformationKey())
	assert.True(t, shuffle.KeepsOutput(1))
	assert.False(t, shuffle.KeepsOutput(2))

	require.Len(t, outer.OutCables, 1)
	assert.Equal(t, "pipeline/2/outcable/1", outer.OutCables[0].TransformationKey())
	assert.True(t, outer.Outputs[0].IsRaw())
}

func TestLoadRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"unknown method": `
pipelines:
  - name: p
    steps:
      - method: nope
`,
		"forward cable": `
datatypes:
  - {name: d, columns: [{name: a}]}
methods:
  - {name: m, driver: /bin/true, driver_md5: x, inputs: [{name: in, datatype: d}], outputs: [{name: out, datatype: d}]}
pipelines:
  - name: p
    inputs: [{name: in, datatype: d}]
    steps:
      - method: m
        cables: [{dest: in, step: 2, source: out}]
      - method: m
        cables: [{dest: in, step: 0, source: in}]
`,
		"raw to structured": `
datatypes:
  - {name: d, columns: [{name: a}]}
methods:
  - {name: m, driver: /bin/true, driver_md5: x, inputs: [{name: in, datatype: d}], outputs: [{name: out}]}
pipelines:
  - name: p
    inputs: [{name: in}]
    steps:
      - method: m
        cables: [{dest: in, step: 0, source: in}]
`,
		"missing cable": `
datatypes:
  - {name: d, columns: [{name: a}]}
methods:
  - {name: m, driver: /bin/true, driver_md5: x, inputs: [{name: in, datatype: d}], outputs: [{name: out}]}
pipelines:
  - name: p
    steps:
      - method: m
`,
	}
	for name, doc := range cases {
		if _, err := Load([]byte(doc), "/"); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestValidateNumbering(t *testing.T) {
	m := &Method{ID: 1, Name: "m"}
	p := &Pipeline{ID: 1, Name: "p", Steps: []*Step{{Num: 2, Method: m}}}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutively numbered")
}

var wordsType = &CompoundDatatype{ID: 1, Name: "words", Columns: []Column{
	{Index: 1, Name: "word", Type: StringType},
	{Index: 2, Name: "count", Type: IntegerType},
}}

func TestCompatible(t *testing.T) {
	tc := CSVTypeChecker{}
	assert.True(t, tc.Compatible(wordsType, wordsType))
	assert.True(t, tc.Compatible(nil, nil))
	assert.False(t, tc.Compatible(nil, wordsType))

	looser := &CompoundDatatype{ID: 2, Name: "loose", Columns: []Column{
		{Index: 1, Name: "word", Type: StringType},
		{Index: 2, Name: "count", Type: FloatType},
	}}
	assert.True(t, tc.Compatible(wordsType, looser))
	assert.False(t, tc.Compatible(looser, wordsType))
}

func TestCheckContent(t *testing.T) {
	tc := CSVTypeChecker{}

	report, err := tc.CheckContent(strings.NewReader("word,count\nfoo,1\nbar,2\n"), wordsType, 1, 5)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.NumRows)

	report, err = tc.CheckContent(strings.NewReader("word,count\nfoo,one\n"), wordsType, 0, 0)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{`1:2 "one"`}, report.CellErrors)

	report, err = tc.CheckContent(strings.NewReader("count,word\n1,foo\n"), wordsType, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.BadHeader)

	report, err = tc.CheckContent(strings.NewReader("word,count\nfoo,1\n"), wordsType, 2, 0)
	require.NoError(t, err)
	assert.True(t, report.BadRowCount)

	report, err = tc.CheckContent(strings.NewReader(""), wordsType, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.BadHeader)
}

func TestRemap(t *testing.T) {
	var out bytes.Buffer
	n, err := Remap(strings.NewReader("word,count\nfoo,1\nbar,2\n"), &out,
		[]Wire{{SourceIdx: 2, DestIdx: 1}, {SourceIdx: 1, DestIdx: 2}}, []string{"count", "word"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "count,word\n1,foo\n2,bar\n", out.String())

	_, err = Remap(strings.NewReader(""), &out, nil, []string{"a"})
	assert.Error(t, err)
}
