package canonical

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_ObjectKeyOrderIndependent(t *testing.T) {
	a, err := Encode(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	b, err := Encode(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestEncode_ArrayOrderPreserved(t *testing.T) {
	a, err := Encode(map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)
	b, err := Encode(map[string]any{"items": []any{3, 2, 1}})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, `{"items":[1,2,3]}`, string(a))
}

func TestEncode_NestedObjects(t *testing.T) {
	doc := map[string]any{
		"seller": map[string]any{"tin": "123", "name": "Acme"},
		"amount": 10.5,
		"lines": []any{
			map[string]any{"qty": 2, "desc": "widget"},
		},
		"note": nil,
		"paid": false,
	}

	got, err := Encode(doc)
	require.NoError(t, err)

	want := `{"amount":10.5,"lines":[{"desc":"widget","qty":2}],"note":null,"paid":false,"seller":{"name":"Acme","tin":"123"}}`
	assert.Equal(t, want, string(got))
}

func TestEncode_Structs(t *testing.T) {
	type party struct {
		Name  string `json:"name"`
		TaxID string `json:"tax_id"`
	}
	type doc struct {
		Seller party    `json:"seller"`
		Codes  []string `json:"codes"`
		Total  string   `json:"total"`
	}

	got, err := Encode(doc{Seller: party{Name: "Acme", TaxID: "1"}, Codes: []string{"b", "a"}, Total: "10.00"})
	require.NoError(t, err)
	assert.Equal(t, `{"codes":["b","a"],"seller":{"name":"Acme","tax_id":"1"},"total":"10.00"}`, string(got))
}

func TestEncode_NumbersHaveNoExponent(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "large float", in: 1e21, want: "1000000000000000000000"},
		{name: "small float", in: 0.000001, want: "0.000001"},
		{name: "negative int", in: int64(-42), want: "-42"},
		{name: "json number kept verbatim", in: json.Number("204250.00"), want: "204250.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncode_StringsAreNotHTMLEscaped(t *testing.T) {
	got, err := Encode(map[string]any{"desc": "A & B <c>"})
	require.NoError(t, err)
	assert.Equal(t, `{"desc":"A & B <c>"}`, string(got))
}

func TestEncode_RejectsNaN(t *testing.T) {
	_, err := Encode(map[string]any{"x": math.NaN()})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestEncode_RejectsFunctions(t *testing.T) {
	_, err := Encode(func() {})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestEncodeJSON(t *testing.T) {
	got, err := EncodeJSON([]byte(`{ "b": [3, 1], "a": {"z": 1.50, "y": "x"} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"x","z":1.50},"b":[3,1]}`, string(got))

	again, err := EncodeJSON(got)
	require.NoError(t, err)
	assert.Equal(t, got, again, "canonical form must be a fixed point")
}

func TestEncodeJSON_Invalid(t *testing.T) {
	_, err := EncodeJSON([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = EncodeJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}
