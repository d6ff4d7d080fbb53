package models

import "fmt"

// ResourceKind names the backend folder a file lives in.
type ResourceKind string

const (
	ResourceInput  ResourceKind = "input"
	ResourceOutput ResourceKind = "output"
	ResourceTemp   ResourceKind = "temp"
)

// ParseResourceKind validates s against the closed set of kinds.
// An empty string selects ResourceInput.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch ResourceKind(s) {
	case "":
		return ResourceInput, nil
	case ResourceInput, ResourceOutput, ResourceTemp:
		return ResourceKind(s), nil
	}
	return "", fmt.Errorf("resource kind must be one of input, output, temp; got %q", s)
}

// ImageRef addresses a file stored by the backend.
type ImageRef struct {
	Filename  string       `json:"filename"`
	Subfolder string       `json:"subfolder"`
	Type      ResourceKind `json:"type"`
}

// UploadResult is returned by POST /upload/image and /upload/mask.
type UploadResult struct {
	Name      string       `json:"name"`
	Subfolder string       `json:"subfolder"`
	Type      ResourceKind `json:"type"`
}
