package jsonvalue

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsKeyOrder(t *testing.T) {
	v, err := Parse([]byte(`{"zeta":1,"alpha":{"b":true,"a":null},"mid":[1,"two",3.5]}`))
	require.NoError(t, err)

	assert.Equal(t, Object, v.Kind())
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, v.Keys())
	assert.Equal(t, []string{"b", "a"}, v.Field("alpha").Keys())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":{"b":true,"a":null},"mid":[1,"two",3.5]}`, string(out))
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)

	_, err = Parse([]byte(``))
	assert.Error(t, err)
}

func TestParseNestingLimit(t *testing.T) {
	deep := strings.Repeat("[", maxDepth+1) + strings.Repeat("]", maxDepth+1)
	_, err := Parse([]byte(deep))
	assert.ErrorIs(t, err, ErrTooDeep)

	objects := strings.Repeat(`{"a":`, maxDepth+1) + "1" + strings.Repeat("}", maxDepth+1)
	_, err = Parse([]byte(objects))
	assert.ErrorIs(t, err, ErrTooDeep)

	ok := strings.Repeat("[", 100) + strings.Repeat("]", 100)
	v, err := Parse([]byte(ok))
	require.NoError(t, err)
	assert.Equal(t, Array, v.Kind())
}

func TestAccessors(t *testing.T) {
	v, err := Parse([]byte(`{"n":0,"s":"x","b":false,"arr":[{"k":1},{"k":2}],"deep":{"a":{"b":"c"}}}`))
	require.NoError(t, err)

	s, ok := v.Field("n").Scalar()
	assert.True(t, ok)
	assert.Equal(t, "0", s)

	last, ok := v.Field("arr").Last()
	require.True(t, ok)
	k, _ := last.Field("k").Scalar()
	assert.Equal(t, "2", k)

	c, ok := v.Path("deep", "a", "b").Str()
	assert.True(t, ok)
	assert.Equal(t, "c", c)

	assert.True(t, v.Path("deep", "missing", "b").IsNull())
	assert.True(t, v.Field("arr").Index(7).IsNull())
	assert.Equal(t, 2, v.Field("arr").Len())

	_, ok = v.Field("arr").Scalar()
	assert.False(t, ok)
}

func TestTruthy(t *testing.T) {
	cases := map[string]bool{
		`null`:  false,
		`false`: false,
		`true`:  true,
		`0`:     false,
		`2`:     true,
		`""`:    false,
		`"yes"`: true,
		`[]`:    true,
		`{}`:    true,
	}
	for raw, want := range cases {
		v, err := Parse([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, v.Truthy(), raw)
	}
}

func TestSetAndFromInterface(t *testing.T) {
	var v Value
	v.Set("b", StringValue("1"))
	v.Set("a", IntValue(2))
	v.Set("b", BoolValue(true))
	assert.Equal(t, `{"b":true,"a":2}`, v.String())

	conv, err := FromInterface(map[string]any{"y": []any{1, "x", nil}, "x": 1.5})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1.5,"y":[1,"x",null]}`, conv.String())
}

func TestStructFieldRoundTrip(t *testing.T) {
	type envelope struct {
		Data Value `json:"data"`
	}
	var e envelope
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"k":[1,2]}}`), &e))
	assert.Equal(t, []string{"k"}, e.Data.Keys())

	var missing envelope
	require.NoError(t, json.Unmarshal([]byte(`{}`), &missing))
	assert.True(t, missing.Data.IsNull())
}
