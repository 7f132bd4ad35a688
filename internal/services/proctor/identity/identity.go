// Package identity defines the face identity collaborator consumed by the
// continuous authentication engine.
package identity

import (
	"context"

	apperrors "github.com/louisbranch/proctorvision/internal/platform/errors"
)

var (
	// ErrMalformedImage reports image bytes the collaborator could not decode.
	ErrMalformedImage = apperrors.New(apperrors.CodeMalformedImage, "malformed image")
	// ErrNoFace reports an image without a detectable face.
	ErrNoFace = apperrors.New(apperrors.CodeTechnicalFailure, "no face detected")
)

// BoundingBox locates a face in pixel coordinates.
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Face is one detected face.
type Face struct {
	Box        BoundingBox
	Confidence float64
}

// AuthResult is the outcome of matching a baseline against enrolled faces.
type AuthResult struct {
	Success    bool
	Confidence float64
	// Subject is the enrolled identity that matched, when known.
	Subject string
}

// Service is the identity collaborator. All calls may be slow.
type Service interface {
	DetectFaces(ctx context.Context, image []byte) ([]Face, error)
	Authenticate(ctx context.Context, image []byte) (AuthResult, error)
	// Distance is lower for more similar images.
	Distance(ctx context.Context, reference, candidate []byte) (float64, error)
}
