package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	for _, op := range []Operation{OperationCreate, OperationUpdate, OperationDelete} {
		parsed, err := ParseOperation(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}

	parsed, err := ParseOperation(" Update ")
	require.NoError(t, err)
	assert.Equal(t, OperationUpdate, parsed)

	_, err = ParseOperation("upsert")
	assert.Error(t, err)
}

func TestOperationJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Operation{"op": OperationDelete})
	require.NoError(t, err)
	assert.Equal(t, `{"op":"delete"}`, string(data))

	var out map[string]Operation
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, OperationDelete, out["op"])

	_, err = json.Marshal(Operation(99))
	assert.Error(t, err)
}

func TestEntityCloneIsDeep(t *testing.T) {
	orig := Entity{
		Type: "product",
		ID:   "p1",
		Fields: Fields{
			"name": "Widget",
			"tags": []any{"a", "b"},
			"dims": map[string]any{"w": 1},
		},
	}

	cp := orig.Clone()
	cp.Fields["name"] = "Gadget"
	cp.Fields["tags"].([]any)[0] = "z"
	cp.Fields["dims"].(map[string]any)["w"] = 9

	assert.Equal(t, "Widget", orig.Fields["name"])
	assert.Equal(t, "a", orig.Fields["tags"].([]any)[0])
	assert.Equal(t, 1, orig.Fields["dims"].(map[string]any)["w"])
}

func TestFieldsAccessors(t *testing.T) {
	f := Fields{"name": "Widget", "price": 25, "ratio": 0.5, "qty": int64(3)}

	name, ok := f.String("name")
	assert.True(t, ok)
	assert.Equal(t, "Widget", name)

	price, ok := f.Number("price")
	assert.True(t, ok)
	assert.Equal(t, 25.0, price)

	_, ok = f.Int("ratio")
	assert.False(t, ok)

	qty, ok := f.Int("qty")
	assert.True(t, ok)
	assert.Equal(t, int64(3), qty)

	_, ok = f.Number("name")
	assert.False(t, ok)

	assert.Equal(t, []string{"name", "price", "qty", "ratio"}, f.SortedKeys())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "", Format(nil))
	assert.Equal(t, "25", Format(25))
	assert.Equal(t, "19.5", Format(19.5))
	assert.Equal(t, "true", Format(true))
	assert.Equal(t, `["a"]`, Format([]any{"a"}))
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	live := Entity{
		Type:      "product",
		ID:        "p1",
		Revision:  2,
		Fields:    Fields{"name": "Widget", "price": 25, "nested": map[string]any{"k": "v"}},
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}

	snap, data, err := Snapshot(live)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	live.Fields["price"] = 30
	live.Fields["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, int64(25), snap.Fields["price"])
	assert.Equal(t, "v", snap.Fields["nested"].(map[string]any)["k"])
	assert.Equal(t, int64(2), snap.Revision)
	assert.True(t, snap.UpdatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)))

	restored, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap, restored)
}

func TestSnapshotPreservesFloats(t *testing.T) {
	snap, _, err := Snapshot(Entity{Type: "sale", ID: "s1", Fields: Fields{"total": 19.99}})
	require.NoError(t, err)
	assert.Equal(t, 19.99, snap.Fields["total"])
}

func TestDigest(t *testing.T) {
	a := Entity{Type: "product", ID: "p1", Fields: Fields{"price": 25, "name": "Widget"}}
	b := Entity{Type: "product", ID: "p1", Synced: true, Revision: 7, Fields: Fields{"name": "Widget", "price": int64(25)}}

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)

	b.Fields["price"] = 26
	dc, err := Digest(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}

func TestParseFields(t *testing.T) {
	f, err := ParseFields([]byte(`{"price":25,"ratio":0.5,"big":2.0,"tags":["a",3],"dims":{"w":10}}`))
	require.NoError(t, err)

	assert.Equal(t, int64(25), f["price"])
	assert.Equal(t, 0.5, f["ratio"])
	assert.Equal(t, int64(2), f["big"])
	assert.Equal(t, []any{"a", int64(3)}, f["tags"])
	assert.Equal(t, map[string]any{"w": int64(10)}, f["dims"])

	_, err = ParseFields([]byte(`[1,2]`))
	assert.Error(t, err)
}
