package region_test

import (
	"encoding/json"
	"errors"
	"testing"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/region"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stencil region.Stencil
		wantErr bool
	}{
		{
			name:    "valid circle",
			stencil: region.Circle{Center: region.Point{RA: 128.5, Dec: -42.1}, Radius: 0.5},
		},
		{
			name:    "zero radius",
			stencil: region.Circle{Center: region.Point{RA: 10, Dec: 10}, Radius: 0},
			wantErr: true,
		},
		{
			name:    "negative radius",
			stencil: region.Circle{Center: region.Point{RA: 10, Dec: 10}, Radius: -1},
			wantErr: true,
		},
		{
			name:    "ra out of bounds",
			stencil: region.Circle{Center: region.Point{RA: 360, Dec: 0}, Radius: 1},
			wantErr: true,
		},
		{
			name:    "dec out of bounds",
			stencil: region.Circle{Center: region.Point{RA: 0, Dec: 91}, Radius: 1},
			wantErr: true,
		},
		{
			name: "valid polygon",
			stencil: region.Polygon{Vertices: []region.Point{
				{RA: 1, Dec: 1}, {RA: 2, Dec: 1}, {RA: 2, Dec: 2},
			}},
		},
		{
			name: "polygon with two vertices",
			stencil: region.Polygon{Vertices: []region.Point{
				{RA: 1, Dec: 1}, {RA: 2, Dec: 1},
			}},
			wantErr: true,
		},
		{
			name: "valid range",
			stencil: region.Range{
				RA:  region.Span{Min: 10, Max: 20},
				Dec: region.Span{Min: -5, Max: 5},
			},
		},
		{
			name: "inverted range",
			stencil: region.Range{
				RA:  region.Span{Min: 20, Max: 10},
				Dec: region.Span{Min: -5, Max: 5},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.stencil.Validate()
			if tt.wantErr {
				if !errors.Is(err, cutout.ErrInvalidRequest) {
					t.Fatalf("got %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestList_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	orig := region.List{
		region.Circle{Center: region.Point{RA: 128.5, Dec: -42.1}, Radius: 0.5},
		region.Polygon{Vertices: []region.Point{
			{RA: 1, Dec: 1}, {RA: 2, Dec: 1}, {RA: 2, Dec: 2},
		}},
		region.Range{RA: region.Span{Min: 10, Max: 20}, Dec: region.Span{Min: -5, Max: 5}},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got region.List
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if len(got) != len(orig) {
		t.Fatalf("got %d stencils, want %d", len(got), len(orig))
	}
	for i := range orig {
		if got[i].Type() != orig[i].Type() {
			t.Errorf("stencil %d type = %q, want %q", i, got[i].Type(), orig[i].Type())
		}
	}

	c, ok := got[0].(region.Circle)
	if !ok {
		t.Fatalf("stencil 0 decoded as %T, want Circle", got[0])
	}
	if c.Radius != 0.5 || c.Center.RA != 128.5 {
		t.Fatalf("circle round trip mismatch: %+v", c)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := region.Decode([]byte(`{"type":"ellipse","center":{"ra":1,"dec":1}}`))
	if !errors.Is(err, cutout.ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}
}

func TestDecode_MissingFields(t *testing.T) {
	t.Parallel()

	tests := []string{
		`{"type":"circle"}`,
		`{"type":"range"}`,
	}
	for _, s := range tests {
		if _, err := region.Decode([]byte(s)); !errors.Is(err, cutout.ErrInvalidRequest) {
			t.Errorf("Decode(%s) = %v, want ErrInvalidRequest", s, err)
		}
	}
}

func TestList_Validate_Empty(t *testing.T) {
	t.Parallel()

	var l region.List
	if err := l.Validate(); !errors.Is(err, cutout.ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}
}
