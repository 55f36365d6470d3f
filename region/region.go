// Package region models the sky stencils a cutout request may carry.
//
// A stencil is one of a closed set of shapes: a circle around a point, a
// polygon, or an ra/dec range. The set is closed on purpose — decoding an
// unknown stencil type is a validation error, never a silent pass-through,
// so a job can only ever hold geometry the cutter understands.
package region

import (
	"encoding/json"
	"fmt"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
)

// Stencil type tags used in the JSON encoding.
const (
	TypeCircle  = "circle"
	TypePolygon = "polygon"
	TypeRange   = "range"
)

// Point is a position on the sky in ICRS degrees.
type Point struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// validate checks the coordinate bounds: ra in [0, 360), dec in [-90, 90].
func (p Point) validate() error {
	if p.RA < 0 || p.RA >= 360 {
		return fmt.Errorf("%w: ra %v out of [0, 360)", cutout.ErrInvalidRequest, p.RA)
	}
	if p.Dec < -90 || p.Dec > 90 {
		return fmt.Errorf("%w: dec %v out of [-90, 90]", cutout.ErrInvalidRequest, p.Dec)
	}
	return nil
}

// Span is an inclusive min/max interval.
type Span struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Stencil is a single region-of-interest shape.
type Stencil interface {
	// Type returns the stencil's JSON type tag.
	Type() string

	// Validate checks the stencil's geometric constraints.
	Validate() error
}

// ──────────────────────────────────────────────────
// Circle
// ──────────────────────────────────────────────────

// Circle is a circular stencil around a center point.
type Circle struct {
	Center Point   `json:"center"`
	Radius float64 `json:"radius"`
}

// Type returns "circle".
func (Circle) Type() string { return TypeCircle }

// Validate checks center bounds and that the radius is positive.
func (c Circle) Validate() error {
	if err := c.Center.validate(); err != nil {
		return err
	}
	if c.Radius <= 0 {
		return fmt.Errorf("%w: circle radius must be positive, got %v", cutout.ErrInvalidRequest, c.Radius)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Polygon
// ──────────────────────────────────────────────────

// Polygon is a polygon stencil. Winding must be counter-clockwise when
// viewed from the origin towards the sky.
type Polygon struct {
	Vertices []Point `json:"vertices"`
}

// Type returns "polygon".
func (Polygon) Type() string { return TypePolygon }

// Validate checks that the polygon has at least three in-bounds vertices.
func (p Polygon) Validate() error {
	if len(p.Vertices) < 3 {
		return fmt.Errorf("%w: polygon needs at least three vertices, got %d", cutout.ErrInvalidRequest, len(p.Vertices))
	}
	for _, v := range p.Vertices {
		if err := v.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Range
// ──────────────────────────────────────────────────

// Range is a rectangular stencil over ra and dec intervals.
type Range struct {
	RA  Span `json:"ra"`
	Dec Span `json:"dec"`
}

// Type returns "range".
func (Range) Type() string { return TypeRange }

// Validate checks interval ordering and coordinate bounds.
func (r Range) Validate() error {
	if r.RA.Min > r.RA.Max {
		return fmt.Errorf("%w: ra range min %v > max %v", cutout.ErrInvalidRequest, r.RA.Min, r.RA.Max)
	}
	if r.Dec.Min > r.Dec.Max {
		return fmt.Errorf("%w: dec range min %v > max %v", cutout.ErrInvalidRequest, r.Dec.Min, r.Dec.Max)
	}
	if r.RA.Min < 0 || r.RA.Max >= 360 {
		return fmt.Errorf("%w: ra range [%v, %v] out of [0, 360)", cutout.ErrInvalidRequest, r.RA.Min, r.RA.Max)
	}
	if r.Dec.Min < -90 || r.Dec.Max > 90 {
		return fmt.Errorf("%w: dec range [%v, %v] out of [-90, 90]", cutout.ErrInvalidRequest, r.Dec.Min, r.Dec.Max)
	}
	return nil
}

// ──────────────────────────────────────────────────
// JSON encoding
// ──────────────────────────────────────────────────

// envelope is the wire form of a stencil: the type tag plus the shape
// fields inlined.
type envelope struct {
	Type string `json:"type"`

	// Circle fields.
	Center *Point   `json:"center,omitempty"`
	Radius *float64 `json:"radius,omitempty"`

	// Polygon fields.
	Vertices []Point `json:"vertices,omitempty"`

	// Range fields.
	RA  *Span `json:"ra,omitempty"`
	Dec *Span `json:"dec,omitempty"`
}

// Encode marshals a stencil with its type tag.
func Encode(s Stencil) ([]byte, error) {
	switch v := s.(type) {
	case Circle:
		return json.Marshal(envelope{Type: TypeCircle, Center: &v.Center, Radius: &v.Radius})
	case Polygon:
		return json.Marshal(envelope{Type: TypePolygon, Vertices: v.Vertices})
	case Range:
		return json.Marshal(envelope{Type: TypeRange, RA: &v.RA, Dec: &v.Dec})
	default:
		return nil, fmt.Errorf("region: cannot encode stencil type %T", s)
	}
}

// Decode unmarshals a single tagged stencil.
func Decode(data []byte) (Stencil, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", cutout.ErrInvalidRequest, err)
	}

	switch env.Type {
	case TypeCircle:
		if env.Center == nil || env.Radius == nil {
			return nil, fmt.Errorf("%w: circle stencil missing center or radius", cutout.ErrInvalidRequest)
		}
		return Circle{Center: *env.Center, Radius: *env.Radius}, nil
	case TypePolygon:
		return Polygon{Vertices: env.Vertices}, nil
	case TypeRange:
		if env.RA == nil || env.Dec == nil {
			return nil, fmt.Errorf("%w: range stencil missing ra or dec", cutout.ErrInvalidRequest)
		}
		return Range{RA: *env.RA, Dec: *env.Dec}, nil
	default:
		return nil, fmt.Errorf("%w: unknown stencil type %q", cutout.ErrInvalidRequest, env.Type)
	}
}

// List is a slice of stencils that round-trips through JSON with type tags.
type List []Stencil

// MarshalJSON implements json.Marshaler.
func (l List) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, len(l))
	for i, s := range l {
		data, err := Encode(s)
		if err != nil {
			return nil, err
		}
		raw[i] = data
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *List) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", cutout.ErrInvalidRequest, err)
	}

	out := make(List, len(raw))
	for i, r := range raw {
		s, err := Decode(r)
		if err != nil {
			return err
		}
		out[i] = s
	}
	*l = out
	return nil
}

// Validate checks every stencil in the list and requires at least one.
func (l List) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("%w: at least one stencil is required", cutout.ErrInvalidRequest)
	}
	for _, s := range l {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
