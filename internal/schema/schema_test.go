package schema

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncq/internal/entity"
)

const productSrc = `
name?:  string & != ""
price:  number & >=0
stock?: int & >=0
`

func TestCompile_Valid(t *testing.T) {
	s, err := Compile("product", productSrc)
	require.NoError(t, err)
	assert.Equal(t, "product", s.Name())
}

func TestCompile_SyntaxError(t *testing.T) {
	_, err := Compile("broken", `price: number &`)
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "broken.cue", ce.Pos.Filename())
}

func TestCompile_NotStruct(t *testing.T) {
	_, err := Compile("scalar", `"hello"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a struct")
}

func TestMustCompile_Panics(t *testing.T) {
	assert.Panics(t, func() { MustCompile("broken", `{`) })
}

func TestCheck(t *testing.T) {
	s := MustCompile("product", productSrc)

	tests := []struct {
		name       string
		fields     entity.Fields
		wantFields []string
	}{
		{
			name:   "minimal",
			fields: entity.Fields{"price": int64(25)},
		},
		{
			name:   "float price and extra field",
			fields: entity.Fields{"price": 2.5, "color": "red"},
		},
		{
			name:       "missing price",
			fields:     entity.Fields{"name": "Widget"},
			wantFields: []string{"price"},
		},
		{
			name:       "negative price",
			fields:     entity.Fields{"price": int64(-1)},
			wantFields: []string{"price"},
		},
		{
			name:       "empty name",
			fields:     entity.Fields{"price": int64(1), "name": ""},
			wantFields: []string{"name"},
		},
		{
			name:       "fractional stock",
			fields:     entity.Fields{"price": int64(1), "stock": 1.5},
			wantFields: []string{"stock"},
		},
		{
			name:       "nil fields",
			fields:     nil,
			wantFields: []string{"price"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Check(tt.fields)
			if len(tt.wantFields) == 0 {
				assert.Empty(t, got)
				return
			}
			var fields []string
			for _, v := range got {
				fields = append(fields, v.Field)
				assert.NotEmpty(t, v.Message)
			}
			for _, want := range tt.wantFields {
				assert.Contains(t, fields, want)
			}
		})
	}
}

func TestCheck_Concurrent(t *testing.T) {
	s := MustCompile("product", productSrc)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.Empty(t, s.Check(entity.Fields{"price": int64(i)}))
		}(i)
	}
	wg.Wait()
}

func TestViolationString(t *testing.T) {
	assert.Equal(t, "price: too low", Violation{Field: "price", Message: "too low"}.String())
	assert.Equal(t, "bad", Violation{Message: "bad"}.String())
}
