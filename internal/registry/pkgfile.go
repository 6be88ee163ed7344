package registry

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/pkg/api"
)

// MaxPackageBytes caps an uploaded plugin package.
const MaxPackageBytes = 2 << 30

// PackageInfo is what Inspect learned about an offline plugin package.
type PackageInfo struct {
	Manifest     *manifest.Manifest `json:"manifest"`
	HasImage     bool               `json:"hasImage"`
	ImageBytes   int64              `json:"imageBytes,omitempty"`
	PackageBytes int64              `json:"packageBytes"`
	FileCount    int                `json:"fileCount"`
}

// InspectPackage reads a plugin package (a tar archive with manifest.json at
// the root and optionally image.tar) and validates its manifest. size is the
// caller-known archive size; pass 0 when unknown and the stream itself is
// still capped.
func InspectPackage(r io.Reader, size int64) (*PackageInfo, error) {
	if size > MaxPackageBytes {
		return nil, api.NewError(api.ErrCodePackageTooLarge,
			"package is %d bytes, limit is %d", size, MaxPackageBytes)
	}

	counted := &countingReader{r: io.LimitReader(r, MaxPackageBytes+1)}
	tr := tar.NewReader(counted)

	info := &PackageInfo{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if counted.n > MaxPackageBytes {
				return nil, api.NewError(api.ErrCodePackageTooLarge,
					"package exceeds %d bytes", MaxPackageBytes)
			}
			return nil, api.WrapError(api.ErrCodeValidation, err, "read package archive")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		info.FileCount++

		switch path.Clean(hdr.Name) {
		case "manifest.json":
			data, err := io.ReadAll(io.LimitReader(tr, maxIndexBytes))
			if err != nil {
				return nil, api.WrapError(api.ErrCodeValidation, err, "read package manifest")
			}
			m, err := manifest.Parse(data)
			if err != nil {
				return nil, err
			}
			if err := m.Validate(); err != nil {
				return nil, err
			}
			info.Manifest = m
		case "image.tar":
			info.HasImage = true
			info.ImageBytes = hdr.Size
		}
	}

	if counted.n > MaxPackageBytes {
		return nil, api.NewError(api.ErrCodePackageTooLarge,
			"package exceeds %d bytes", MaxPackageBytes)
	}
	if info.Manifest == nil {
		return nil, api.NewError(api.ErrCodeValidation, "package has no manifest.json at its root")
	}
	info.PackageBytes = counted.n
	return info, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ExtractImage rewinds through the package and streams image.tar into sink.
// Callers that need both inspection and the image read the upload twice.
func ExtractImage(r io.Reader, sink io.Writer) (int64, error) {
	tr := tar.NewReader(io.LimitReader(r, MaxPackageBytes+1))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return 0, api.NewError(api.ErrCodeValidation, "package has no image.tar")
		}
		if err != nil {
			return 0, api.WrapError(api.ErrCodeValidation, err, "read package archive")
		}
		if hdr.Typeflag == tar.TypeReg && path.Clean(hdr.Name) == "image.tar" {
			n, err := io.Copy(sink, tr)
			if err != nil {
				return n, fmt.Errorf("extract image: %w", err)
			}
			return n, nil
		}
	}
}
