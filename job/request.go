package job

import (
	"fmt"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/region"
)

// Request is the immutable cutout specification supplied by the client:
// which dataset to cut from and where on the sky. It is never mutated
// after the job is created.
type Request struct {
	// DatasetID references the source image, e.g. a butler URI.
	DatasetID string `json:"dataset_id"`

	// Stencils are the regions of interest to extract.
	Stencils region.List `json:"stencils"`

	// RunID is an opaque client-supplied correlation string, carried
	// through unchanged so clients can tie jobs back to their own
	// operations.
	RunID string `json:"run_id,omitempty"`
}

// Validate checks the request before a job is created. A job is never
// inserted for an invalid request.
func (r *Request) Validate() error {
	if r.DatasetID == "" {
		return fmt.Errorf("%w: dataset_id is required", cutout.ErrInvalidRequest)
	}
	return r.Stencils.Validate()
}
